// Package protocol converts between wire formats and the canonical payload.
// The protocol set is closed: HL7v2, FHIR R4, ASTM, and generic REST/JSON.
// Each adapter decodes raw inbound bytes into a canonical payload, encodes a
// canonical payload for outbound dispatch, and normalizes remote responses
// into HL7-style acknowledgement codes.
package protocol

import (
	"errors"
	"fmt"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// Protocol identifies a supported wire format.
type Protocol string

const (
	ProtocolHL7v2 Protocol = "hl7v2"
	ProtocolFHIR  Protocol = "fhir"
	ProtocolASTM  Protocol = "astm"
	ProtocolREST  Protocol = "rest"
)

// AckCode is the normalized acknowledgement code across all protocols.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

// ErrValidation marks a malformed or incomplete payload. Decode failures
// wrap this sentinel so the engine can fail the job permanently instead of
// retrying a payload that can never parse.
var ErrValidation = errors.New("payload validation failed")

// Adapter encodes and decodes one wire format.
type Adapter interface {
	Protocol() Protocol
	// Decode parses raw inbound bytes into a canonical payload.
	Decode(raw []byte) (canonical.Payload, error)
	// Encode renders a canonical payload as outbound wire bytes for the
	// given message type (order, result, report, ...).
	Encode(p canonical.Payload, messageType string) ([]byte, error)
	// ExtractAckCode normalizes a remote response into an ack code.
	// An empty or unparseable body yields AA so transports with no native
	// ack concept do not produce false rejections.
	ExtractAckCode(statusCode int, body []byte) AckCode
}

// ForProtocol returns the adapter for a protocol. The HL7 adapter returned
// here uses positional OBR/OBX extraction; endpoints with a field map get a
// dedicated adapter via NewHL7Adapter.
func ForProtocol(p Protocol) (Adapter, error) {
	switch p {
	case ProtocolHL7v2:
		return NewHL7Adapter(nil), nil
	case ProtocolFHIR:
		return &FHIRAdapter{}, nil
	case ProtocolASTM:
		return &ASTMAdapter{}, nil
	case ProtocolREST:
		return &RESTAdapter{}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported protocol %q", p)
	}
}

// Valid reports whether p names a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHL7v2, ProtocolFHIR, ProtocolASTM, ProtocolREST:
		return true
	}
	return false
}
