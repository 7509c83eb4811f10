package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

const sampleORU = "MSH|^~\\&|INSTR|LAB|LIS|LAB|20240101120000||ORU^R01|MSG00042|P|2.5.1\r" +
	"PID|1||12345^^^MRN||Nguyen^Mai\r" +
	"OBR|1|BC123|BC123|GLU^GLUCOSE\r" +
	"OBX|1|NM|GLU^TEST||101|mg/dL|||||F"

func TestForProtocol(t *testing.T) {
	for _, p := range []Protocol{ProtocolHL7v2, ProtocolFHIR, ProtocolASTM, ProtocolREST} {
		adapter, err := ForProtocol(p)
		if err != nil {
			t.Fatalf("ForProtocol(%s): %v", p, err)
		}
		if adapter.Protocol() != p {
			t.Errorf("adapter for %s reports %s", p, adapter.Protocol())
		}
	}
	if _, err := ForProtocol("gopher"); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestHL7DecodePositional(t *testing.T) {
	a := NewHL7Adapter(nil)
	p, err := a.Decode([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for key, want := range map[string]string{
		"barcode": "BC123",
		"service": "GLU",
		"result":  "101",
	} {
		got, _ := p.GetString(key)
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if v, _ := p.GetString("results[0].units"); v != "mg/dL" {
		t.Errorf("units = %q, want mg/dL", v)
	}
}

func TestHL7DecodeFieldMap(t *testing.T) {
	a := NewHL7Adapter(map[string]string{
		"patient_family": "PID.5.1",
		"patient_given":  "PID.5.2",
		"barcode":        "OBR.2",
	})
	p, err := a.Decode([]byte(sampleORU))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v, _ := p.GetString("patient_family"); v != "Nguyen" {
		t.Errorf("patient_family = %q", v)
	}
	if v, _ := p.GetString("patient_given"); v != "Mai" {
		t.Errorf("patient_given = %q", v)
	}
	if v, _ := p.GetString("barcode"); v != "BC123" {
		t.Errorf("barcode = %q", v)
	}
}

func TestHL7DecodeInvalid(t *testing.T) {
	a := NewHL7Adapter(nil)
	if _, err := a.Decode([]byte("")); !errors.Is(err, ErrValidation) {
		t.Errorf("empty message: got %v, want ErrValidation", err)
	}
	// Parseable but no OBR barcode.
	if _, err := a.Decode([]byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|X1|P|2.5.1")); !errors.Is(err, ErrValidation) {
		t.Errorf("no barcode: got %v, want ErrValidation", err)
	}
}

func TestHL7EncodeOrder(t *testing.T) {
	a := NewHL7Adapter(nil)
	p := canonical.Payload{"barcode": "BC9", "service": "CBC"}
	raw, err := a.Encode(p, "order")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	text := string(raw)
	if !strings.HasPrefix(text, "MSH|^~\\&|") {
		t.Errorf("missing MSH header: %q", text)
	}
	if !strings.Contains(text, "ORM^O01") {
		t.Errorf("missing ORM^O01 type: %q", text)
	}
	if !strings.Contains(text, "ORC|NW|BC9") {
		t.Errorf("missing ORC: %q", text)
	}
	if !strings.Contains(text, "OBR|1|BC9|BC9|CBC") {
		t.Errorf("missing OBR: %q", text)
	}
}

func TestHL7EncodeResultRoundTrip(t *testing.T) {
	a := NewHL7Adapter(nil)
	p := canonical.Payload{"barcode": "BC123", "service": "GLU", "result": "101", "units": "mg/dL"}
	raw, err := a.Encode(p, "result")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := a.Decode(raw)
	if err != nil {
		t.Fatalf("Decode of own output: %v", err)
	}
	for key, want := range map[string]string{"barcode": "BC123", "service": "GLU", "result": "101"} {
		if got, _ := back.GetString(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestHL7ExtractAckCode(t *testing.T) {
	a := NewHL7Adapter(nil)
	cases := []struct {
		name   string
		status int
		body   string
		want   AckCode
	}{
		{"full ack AA", 200, "MSH|^~\\&|LIS|LAB|INSTR|LAB|20240101||ACK^R01|A1|P|2.5.1\rMSA|AA|MSG00042", AckAccept},
		{"full ack AE", 200, "MSH|^~\\&|LIS|LAB|INSTR|LAB|20240101||ACK^R01|A1|P|2.5.1\rMSA|AE|MSG00042", AckError},
		{"full ack AR", 200, "MSH|^~\\&|LIS|LAB|INSTR|LAB|20240101||ACK^R01|A1|P|2.5.1\rMSA|AR|MSG00042", AckReject},
		{"bare token", 200, "AE", AckError},
		{"empty ok", 200, "", AckAccept},
		{"empty http error", 500, "", AckError},
	}
	for _, tc := range cases {
		if got := a.ExtractAckCode(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestFHIRDecodeObservation(t *testing.T) {
	a := &FHIRAdapter{}
	body := `{
		"resourceType": "Observation",
		"id": "obs-1",
		"status": "final",
		"identifier": [{"value": "BC123"}],
		"code": {"coding": [{"code": "GLU"}]},
		"valueQuantity": {"value": 101, "unit": "mg/dL"}
	}`
	p, err := a.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for key, want := range map[string]string{
		"barcode": "BC123",
		"service": "GLU",
		"result":  "101",
		"units":   "mg/dL",
	} {
		if got, _ := p.GetString(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestFHIRDecodeRejectsIncomplete(t *testing.T) {
	a := &FHIRAdapter{}
	cases := []string{
		`{"status": "final"}`,
		`{"resourceType": "Observation", "identifier": [{"value": "BC1"}], "code": {"coding": [{"code": "GLU"}]}}`,
		`{"resourceType": "Observation", "id": "x", "code": {"coding": [{"code": "GLU"}]}}`,
		`{"resourceType": "Observation", "id": "x", "identifier": [{"value": "BC1"}]}`,
		`not json`,
		`{"resourceType": "Patient", "name": [{"family": "Nguyen"}]}`,
		`{"resourceType": "Medication", "id": "m1"}`,
	}
	for i, body := range cases {
		if _, err := a.Decode([]byte(body)); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: got %v, want ErrValidation", i, err)
		}
	}
}

func TestFHIRDecodePatient(t *testing.T) {
	a := &FHIRAdapter{}
	body := `{
		"resourceType": "Patient",
		"identifier": [{"value": "12345"}],
		"name": [{"family": "Nguyen", "given": ["Mai"]}]
	}`
	p, err := a.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for key, want := range map[string]string{
		"patient.mrn":    "12345",
		"patient.family": "Nguyen",
		"patient.given":  "Mai",
	} {
		if got, _ := p.GetString(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestFHIREncodeResult(t *testing.T) {
	a := &FHIRAdapter{}
	p := canonical.Payload{"barcode": "BC123", "service": "GLU", "result": "101", "units": "mg/dL", "id": "obs-1"}
	raw, err := a.Encode(p, "result")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := a.Decode(raw)
	if err != nil {
		t.Fatalf("Decode of own output: %v", err)
	}
	if got, _ := back.GetString("barcode"); got != "BC123" {
		t.Errorf("barcode = %q", got)
	}
	if got, _ := back.GetString("service"); got != "GLU" {
		t.Errorf("service = %q", got)
	}
}

func TestFHIRExtractAckCode(t *testing.T) {
	a := &FHIRAdapter{}
	if got := a.ExtractAckCode(201, nil); got != AckAccept {
		t.Errorf("201 = %s", got)
	}
	if got := a.ExtractAckCode(422, []byte(`{}`)); got != AckReject {
		t.Errorf("422 = %s", got)
	}
	if got := a.ExtractAckCode(500, nil); got != AckError {
		t.Errorf("500 = %s", got)
	}
	outcome := `{"resourceType": "OperationOutcome", "issue": [{"severity": "error"}]}`
	if got := a.ExtractAckCode(200, []byte(outcome)); got != AckError {
		t.Errorf("OperationOutcome error = %s", got)
	}
}

func TestASTMDecode(t *testing.T) {
	a := &ASTMAdapter{}
	body := "H|\\^&|||cobas^1|||||||P|LIS2-A2\r" +
		"P|1||12345||Nguyen^Mai\r" +
		"O|1|BC123||^^^GLU\r" +
		"R|1|^^^GLU|101|mg/dL||||F\r" +
		"L|1|N\r"
	p, err := a.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for key, want := range map[string]string{
		"barcode":        "BC123",
		"service":        "GLU",
		"result":         "101",
		"patient.family": "Nguyen",
		"patient.mrn":    "12345",
		"analyzer":       "cobas",
	} {
		if got, _ := p.GetString(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestASTMDecodeFramed(t *testing.T) {
	// Frame number digits before record types must be tolerated.
	a := &ASTMAdapter{}
	body := "1H|\\^&\r2O|1|BC5||^^^NA\r3R|1|^^^NA|140|mmol/L\r4L|1|N\r"
	p, err := a.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, _ := p.GetString("barcode"); got != "BC5" {
		t.Errorf("barcode = %q", got)
	}
	if got, _ := p.GetString("result"); got != "140" {
		t.Errorf("result = %q", got)
	}
}

func TestASTMDecodeInvalid(t *testing.T) {
	a := &ASTMAdapter{}
	if _, err := a.Decode([]byte("")); !errors.Is(err, ErrValidation) {
		t.Errorf("empty: got %v", err)
	}
	if _, err := a.Decode([]byte("H|\\^&\rL|1|N\r")); !errors.Is(err, ErrValidation) {
		t.Errorf("no order record: got %v", err)
	}
}

func TestASTMEncodeRoundTrip(t *testing.T) {
	a := &ASTMAdapter{}
	p := canonical.Payload{"barcode": "BC7", "service": "K", "result": "4.1", "units": "mmol/L"}
	raw, err := a.Encode(p, "result")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := a.Decode(raw)
	if err != nil {
		t.Fatalf("Decode of own output: %v", err)
	}
	if got, _ := back.GetString("barcode"); got != "BC7" {
		t.Errorf("barcode = %q", got)
	}
	if got, _ := back.GetString("result"); got != "4.1" {
		t.Errorf("result = %q", got)
	}
}

func TestASTMExtractAckCode(t *testing.T) {
	a := &ASTMAdapter{}
	if got := a.ExtractAckCode(200, []byte{astmACK}); got != AckAccept {
		t.Errorf("ACK byte = %s", got)
	}
	if got := a.ExtractAckCode(200, []byte{astmNAK}); got != AckError {
		t.Errorf("NAK byte = %s", got)
	}
	if got := a.ExtractAckCode(200, []byte{astmEOT}); got != AckReject {
		t.Errorf("EOT byte = %s", got)
	}
}

func TestRESTRoundTrip(t *testing.T) {
	a := &RESTAdapter{}
	p := canonical.Payload{"barcode": "BC123", "service": "GLU", "result": "101"}
	raw, err := a.Encode(p, "result")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := a.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, _ := back.GetString("barcode"); got != "BC123" {
		t.Errorf("barcode = %q", got)
	}
	if got, _ := back.GetString("message_type"); got != "result" {
		t.Errorf("message_type = %q", got)
	}
}

func TestRESTExtractAckCode(t *testing.T) {
	a := &RESTAdapter{}
	cases := []struct {
		status int
		body   string
		want   AckCode
	}{
		{200, "", AckAccept},
		{200, `{"ack_code": "AE"}`, AckError},
		{200, `{"ack_code": "AR"}`, AckReject},
		{200, `{"ok": false}`, AckError},
		{200, `{"ok": true}`, AckAccept},
		{400, "", AckError},
		{422, "", AckError},
		{503, "", AckError},
	}
	for _, tc := range cases {
		if got := a.ExtractAckCode(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("status %d body %q: got %s, want %s", tc.status, tc.body, got, tc.want)
		}
	}
}
