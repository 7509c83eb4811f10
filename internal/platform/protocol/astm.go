package protocol

import (
	"fmt"
	"strings"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// ASTM control characters.
const (
	astmSTX = 0x02
	astmETX = 0x03
	astmEOT = 0x04
	astmACK = 0x06
	astmNAK = 0x15
)

// ASTMAdapter handles ASTM E1381/E1394 records from legacy analyzers. The
// adapter works on the record layer: frames are expected to be stripped of
// STX/ETX/checksum envelopes by the transport before decoding.
//
// Record layout follows E1394: H header, P patient, O order, R result,
// L terminator, fields separated by "|", components by "^".
type ASTMAdapter struct{}

func (a *ASTMAdapter) Protocol() Protocol { return ProtocolASTM }

func (a *ASTMAdapter) Decode(raw []byte) (canonical.Payload, error) {
	text := strings.Trim(string(raw), "\x02\x03\x04\x05\r\n ")
	if text == "" {
		return nil, fmt.Errorf("%w: empty astm payload", ErrValidation)
	}

	p := canonical.Payload{}
	var results []interface{}

	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		// Frames may carry a leading frame-number digit before the record type.
		line = strings.TrimLeft(line, "1234567890")
		if len(line) < 2 || line[1] != '|' {
			continue
		}
		fields := strings.Split(line, "|")
		switch fields[0] {
		case "H":
			if len(fields) > 4 {
				p["analyzer"] = firstComponent(fields[4])
			}
		case "P":
			if len(fields) > 5 && fields[5] != "" {
				name := strings.Split(fields[5], "^")
				p["patient.family"] = name[0]
				if len(name) > 1 {
					p["patient.given"] = name[1]
				}
			}
			if len(fields) > 3 && fields[3] != "" {
				p["patient.mrn"] = fields[3]
			}
		case "O":
			if len(fields) > 2 && fields[2] != "" {
				p["barcode"] = fields[2]
			} else if len(fields) > 3 && fields[3] != "" {
				p["barcode"] = fields[3]
			}
			if len(fields) > 4 {
				// Universal test ID is ^^^CODE.
				if code := testCode(fields[4]); code != "" {
					p["service"] = code
				}
			}
		case "R":
			row := map[string]interface{}{}
			if len(fields) > 2 {
				if code := testCode(fields[2]); code != "" {
					row["service"] = code
				}
			}
			if len(fields) > 3 {
				row["value"] = fields[3]
			}
			if len(fields) > 4 && fields[4] != "" {
				row["units"] = fields[4]
			}
			results = append(results, row)
			if _, ok := p["result"]; !ok {
				p["result"] = row["value"]
				if _, have := p["service"]; !have {
					if svc, ok := row["service"]; ok {
						p["service"] = svc
					}
				}
			}
		}
	}

	if len(results) > 0 {
		p["results"] = results
	}
	if _, ok := p["barcode"]; !ok {
		return nil, fmt.Errorf("%w: astm message has no O record sample id", ErrValidation)
	}

	// Flatten dotted keys written above into nested maps.
	flat := p
	p = canonical.Payload{}
	for k, v := range flat {
		if err := p.Set(k, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return p, nil
}

func (a *ASTMAdapter) Encode(p canonical.Payload, messageType string) ([]byte, error) {
	barcode, _ := p.GetString("barcode")
	service, _ := p.GetString("service")

	var b strings.Builder
	b.WriteString("H|\\^&|||LIMS^1|||||||P|LIS2-A2\r")

	seq := 1
	family, _ := p.GetString("patient.family")
	given, _ := p.GetString("patient.given")
	mrn, _ := p.GetString("patient.mrn")
	if family != "" || mrn != "" {
		fmt.Fprintf(&b, "P|%d||%s||%s^%s\r", seq, mrn, family, given)
		seq++
	}

	switch messageType {
	case "order":
		fmt.Fprintf(&b, "O|1|%s||^^^%s|R\r", barcode, service)
	case "result", "report", "qc":
		fmt.Fprintf(&b, "O|1|%s||^^^%s\r", barcode, service)
		result, _ := p.GetString("result")
		units, _ := p.GetString("units")
		fmt.Fprintf(&b, "R|1|^^^%s|%s|%s||||F\r", service, result, units)
	default:
		return nil, fmt.Errorf("astm: cannot encode message type %q", messageType)
	}

	b.WriteString("L|1|N\r")
	return []byte(b.String()), nil
}

// ExtractAckCode reads ASTM link-layer responses: a single ACK byte accepts,
// NAK or EOT rejects the transmission.
func (a *ASTMAdapter) ExtractAckCode(statusCode int, body []byte) AckCode {
	for _, c := range body {
		switch c {
		case astmACK:
			return AckAccept
		case astmNAK:
			return AckError
		case astmEOT:
			return AckReject
		}
	}
	if statusCode >= 400 {
		return AckError
	}
	return AckAccept
}

func firstComponent(s string) string {
	if i := strings.Index(s, "^"); i >= 0 {
		return s[:i]
	}
	return s
}

// testCode extracts the code from an ASTM universal test ID ("^^^GLU" or
// "^^^GLU^GLUCOSE"). The fourth component is the manufacturer code.
func testCode(s string) string {
	parts := strings.Split(s, "^")
	if len(parts) > 3 && parts[3] != "" {
		return parts[3]
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}
