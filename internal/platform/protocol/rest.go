package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// RESTAdapter passes JSON payloads through unchanged. It exists so that
// plain JSON endpoints share the same pipeline as the structured protocols.
type RESTAdapter struct{}

func (a *RESTAdapter) Protocol() Protocol { return ProtocolREST }

func (a *RESTAdapter) Decode(raw []byte) (canonical.Payload, error) {
	p, err := canonical.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return p, nil
}

func (a *RESTAdapter) Encode(p canonical.Payload, messageType string) ([]byte, error) {
	out := p.Clone()
	if messageType != "" {
		out["message_type"] = messageType
	}
	return out.Encode()
}

// ExtractAckCode maps HTTP semantics to ack codes. A JSON body may carry an
// explicit "ack_code" or a boolean "ok"; otherwise the status code decides.
func (a *RESTAdapter) ExtractAckCode(statusCode int, body []byte) AckCode {
	if len(body) > 0 {
		var resp struct {
			AckCode string `json:"ack_code"`
			OK      *bool  `json:"ok"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			switch resp.AckCode {
			case "AA":
				return AckAccept
			case "AE":
				return AckError
			case "AR":
				return AckReject
			}
			if resp.OK != nil {
				if *resp.OK {
					return AckAccept
				}
				return AckError
			}
		}
	}
	if statusCode >= 400 {
		return AckError
	}
	return AckAccept
}
