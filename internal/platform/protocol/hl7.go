package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
	"github.com/limsuite/interface-engine/internal/platform/hl7v2"
)

// HL7Adapter converts between HL7v2 messages and canonical payloads.
//
// Decoding runs in one of two modes. With a field map configured, each
// canonical key is extracted from its dotted HL7 path ("PID.5.2"). Without
// one, the adapter falls back to fixed OBR/OBX positions and extracts the
// barcode/service/result triple that instruments and LIS result feeds carry.
type HL7Adapter struct {
	// fieldMap maps canonical keys to HL7 field paths, e.g.
	// {"patient_family": "PID.5.1", "barcode": "OBR.2"}.
	fieldMap map[string]string
}

// NewHL7Adapter creates an HL7 adapter. fieldMap may be nil for positional
// OBR/OBX extraction.
func NewHL7Adapter(fieldMap map[string]string) *HL7Adapter {
	return &HL7Adapter{fieldMap: fieldMap}
}

func (a *HL7Adapter) Protocol() Protocol { return ProtocolHL7v2 }

func (a *HL7Adapter) Decode(raw []byte) (canonical.Payload, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	p := canonical.Payload{}
	if msg.Type != "" {
		p["hl7_message_type"] = msg.Type
	}
	if msg.ControlID != "" {
		p["control_id"] = msg.ControlID
	}

	if len(a.fieldMap) > 0 {
		for key, path := range a.fieldMap {
			if v := msg.FieldPath(path); v != "" {
				p[key] = v
			}
		}
		return p, nil
	}

	// Positional fallback: OBR carries the specimen barcode and ordered
	// service, OBX rows carry result values.
	if obr := msg.GetSegment("OBR"); obr != nil {
		if barcode := obr.GetField(2); barcode != "" {
			p["barcode"] = barcode
		} else if filler := obr.GetField(3); filler != "" {
			p["barcode"] = filler
		}
		if svc := obr.GetComponent(4, 1); svc != "" {
			p["service"] = svc
		}
	}

	var results []interface{}
	for _, obx := range msg.GetSegments("OBX") {
		svc := obx.GetComponent(3, 1)
		value := obx.GetField(5)
		row := map[string]interface{}{
			"service": svc,
			"value":   value,
		}
		if units := obx.GetField(6); units != "" {
			row["units"] = units
		}
		if status := obx.GetField(11); status != "" {
			row["status"] = status
		}
		results = append(results, row)

		// First OBX populates the top-level triple.
		if _, ok := p["result"]; !ok {
			p["result"] = value
			if _, have := p["service"]; !have && svc != "" {
				p["service"] = svc
			}
		}
	}
	if len(results) > 0 {
		p["results"] = results
	}

	if _, ok := p["barcode"]; !ok {
		return nil, fmt.Errorf("%w: hl7v2 message has no OBR barcode and no field map", ErrValidation)
	}

	return p, nil
}

func (a *HL7Adapter) Encode(p canonical.Payload, messageType string) ([]byte, error) {
	barcode, _ := p.GetString("barcode")
	service, _ := p.GetString("service")

	now := time.Now().UTC().Format("20060102150405")
	controlID, ok := p.GetString("control_id")
	if !ok || controlID == "" {
		controlID = "LIMS" + now
	}

	var msgType string
	switch messageType {
	case "order":
		msgType = "ORM^O01"
	case "result", "report", "qc":
		msgType = "ORU^R01"
	case "patient-master":
		msgType = "ADT^A28"
	case "ack":
		msgType = "ACK"
	default:
		return nil, fmt.Errorf("hl7v2: cannot encode message type %q", messageType)
	}

	msg := &hl7v2.Message{
		Segments: []hl7v2.Segment{
			hl7v2.BuildSegment("MSH", "|", "^~\\&", "LIMS", "LAB", "", "", now, "", msgType, controlID, "P", "2.5.1"),
		},
	}

	family, _ := p.GetString("patient.family")
	given, _ := p.GetString("patient.given")
	mrn, _ := p.GetString("patient.mrn")
	if family != "" || mrn != "" {
		msg.Segments = append(msg.Segments,
			hl7v2.BuildSegment("PID", "1", "", mrn, "", family+"^"+given))
	}

	switch messageType {
	case "order":
		msg.Segments = append(msg.Segments,
			hl7v2.BuildSegment("ORC", "NW", barcode),
			hl7v2.BuildSegment("OBR", "1", barcode, barcode, service))
	case "result", "report", "qc":
		msg.Segments = append(msg.Segments,
			hl7v2.BuildSegment("OBR", "1", barcode, barcode, service))
		rows, _ := p.Get("results")
		list, _ := rows.([]interface{})
		if len(list) == 0 {
			result, _ := p.GetString("result")
			units, _ := p.GetString("units")
			msg.Segments = append(msg.Segments,
				hl7v2.BuildSegment("OBX", "1", "NM", service, "", result, units, "", "", "", "", "F"))
		}
		for i, row := range list {
			m, ok := row.(map[string]interface{})
			if !ok {
				continue
			}
			svc := canonical.Stringify(m["service"])
			val := canonical.Stringify(m["value"])
			units := canonical.Stringify(m["units"])
			status := canonical.Stringify(m["status"])
			if status == "" {
				status = "F"
			}
			msg.Segments = append(msg.Segments,
				hl7v2.BuildSegment("OBX", fmt.Sprintf("%d", i+1), "NM", svc, "", val, units, "", "", "", "", status))
		}
	case "patient-master":
		// PID already appended above.
	}

	return hl7v2.SerializeMessage(msg), nil
}

// ExtractAckCode scans the response body for an MSA segment or bare ack
// tokens. HL7 listeners commonly reply with a full ACK message; some gateway
// shims reply with just "AA"/"AE"/"AR".
func (a *HL7Adapter) ExtractAckCode(statusCode int, body []byte) AckCode {
	if len(bytes.TrimSpace(body)) == 0 {
		if statusCode >= 400 {
			return AckError
		}
		return AckAccept
	}

	text := string(body)

	if msg, err := hl7v2.Parse(body); err == nil {
		if msa := msg.GetSegment("MSA"); msa != nil {
			switch msa.GetField(1) {
			case "AA", "CA":
				return AckAccept
			case "AE", "CE":
				return AckError
			case "AR", "CR":
				return AckReject
			}
		}
	}

	switch {
	case strings.Contains(text, "|AR|") || strings.TrimSpace(text) == "AR":
		return AckReject
	case strings.Contains(text, "|AE|") || strings.TrimSpace(text) == "AE":
		return AckError
	case strings.Contains(text, "|AA|") || strings.TrimSpace(text) == "AA":
		return AckAccept
	}

	if statusCode >= 400 {
		return AckError
	}
	return AckAccept
}
