package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// FHIRAdapter converts between FHIR R4 JSON resources and canonical payloads.
//
// Inbound resources are validated structurally: an Observation needs an id,
// an identifier and a code before it is accepted, a ServiceRequest needs an
// identifier and a code, a Patient needs an identifier. Any other resource
// type is rejected.
type FHIRAdapter struct{}

func (a *FHIRAdapter) Protocol() Protocol { return ProtocolFHIR }

func (a *FHIRAdapter) Decode(raw []byte) (canonical.Payload, error) {
	p, err := canonical.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rt, ok := p.GetString("resourceType")
	if !ok || rt == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrValidation)
	}

	switch rt {
	case "Observation":
		if _, ok := p.GetString("id"); !ok {
			return nil, fmt.Errorf("%w: Observation missing id", ErrValidation)
		}
		barcode, ok := p.GetString("identifier[0].value")
		if !ok || barcode == "" {
			return nil, fmt.Errorf("%w: Observation missing identifier", ErrValidation)
		}
		code, ok := p.GetString("code.coding[0].code")
		if !ok || code == "" {
			return nil, fmt.Errorf("%w: Observation missing code", ErrValidation)
		}
		out := canonical.Payload{
			"resource_type": rt,
			"barcode":       barcode,
			"service":       code,
		}
		if v, ok := p.Get("valueQuantity.value"); ok {
			out["result"] = canonical.Stringify(v)
			if units, ok := p.GetString("valueQuantity.unit"); ok {
				out["units"] = units
			}
		} else if v, ok := p.GetString("valueString"); ok {
			out["result"] = v
		}
		if status, ok := p.GetString("status"); ok {
			out["status"] = status
		}
		return out, nil
	case "ServiceRequest":
		barcode, ok := p.GetString("identifier[0].value")
		if !ok || barcode == "" {
			return nil, fmt.Errorf("%w: ServiceRequest missing identifier", ErrValidation)
		}
		code, ok := p.GetString("code.coding[0].code")
		if !ok || code == "" {
			return nil, fmt.Errorf("%w: ServiceRequest missing code", ErrValidation)
		}
		out := canonical.Payload{
			"resource_type": rt,
			"barcode":       barcode,
			"service":       code,
		}
		if status, ok := p.GetString("status"); ok {
			out["status"] = status
		}
		return out, nil
	case "Patient":
		mrn, ok := p.GetString("identifier[0].value")
		if !ok || mrn == "" {
			return nil, fmt.Errorf("%w: Patient missing identifier", ErrValidation)
		}
		patient := map[string]interface{}{"mrn": mrn}
		if family, ok := p.GetString("name[0].family"); ok {
			patient["family"] = family
		}
		if given, ok := p.GetString("name[0].given[0]"); ok {
			patient["given"] = given
		}
		return canonical.Payload{"resource_type": rt, "patient": patient}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported resourceType %q", ErrValidation, rt)
	}
}

func (a *FHIRAdapter) Encode(p canonical.Payload, messageType string) ([]byte, error) {
	barcode, _ := p.GetString("barcode")
	service, _ := p.GetString("service")

	switch messageType {
	case "order":
		resource := map[string]interface{}{
			"resourceType": "ServiceRequest",
			"status":       "active",
			"intent":       "order",
			"identifier": []interface{}{
				map[string]interface{}{"value": barcode},
			},
			"code": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{"code": service},
				},
			},
		}
		return json.Marshal(resource)
	case "result", "report", "qc":
		resource := map[string]interface{}{
			"resourceType": "Observation",
			"status":       "final",
			"identifier": []interface{}{
				map[string]interface{}{"value": barcode},
			},
			"code": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{"code": service},
				},
			},
		}
		if id, ok := p.GetString("id"); ok {
			resource["id"] = id
		}
		if result, ok := p.GetString("result"); ok {
			q := map[string]interface{}{"value": result}
			if units, ok := p.GetString("units"); ok {
				q["unit"] = units
			}
			resource["valueQuantity"] = q
		}
		return json.Marshal(resource)
	case "patient-master":
		resource := map[string]interface{}{
			"resourceType": "Patient",
		}
		if mrn, ok := p.GetString("patient.mrn"); ok {
			resource["identifier"] = []interface{}{
				map[string]interface{}{"value": mrn},
			}
		}
		family, _ := p.GetString("patient.family")
		given, _ := p.GetString("patient.given")
		if family != "" || given != "" {
			name := map[string]interface{}{"family": family}
			if given != "" {
				name["given"] = []interface{}{given}
			}
			resource["name"] = []interface{}{name}
		}
		return json.Marshal(resource)
	default:
		return nil, fmt.Errorf("fhir: cannot encode message type %q", messageType)
	}
}

// ExtractAckCode interprets FHIR responses. A 4xx is a structural rejection
// (AR for 422, AE otherwise); an OperationOutcome with error issues is AE.
func (a *FHIRAdapter) ExtractAckCode(statusCode int, body []byte) AckCode {
	if statusCode == 422 {
		return AckReject
	}
	if statusCode >= 400 {
		return AckError
	}
	if len(body) == 0 {
		return AckAccept
	}
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Severity string `json:"severity"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" {
		for _, issue := range outcome.Issue {
			if issue.Severity == "fatal" || issue.Severity == "error" {
				return AckError
			}
		}
	}
	return AckAccept
}
