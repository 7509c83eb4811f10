package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)

	// Normalize line endings: replace \r\n with \r, then replace \n with \r
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	lines := strings.Split(text, "\r")

	var segmentLines []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	msg := &Message{}

	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	// A full message starts with an MSH header; instrument fragments
	// (bare OBR/OBX uploads) are accepted without one.
	if msg.Segments[0].Name == "MSH" {
		if err := msg.extractMSHFields(); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: the field separator (|) is MSH-1 itself.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3]) // should be |
		rest := line[4:]            // everything after "MSH|"
		parts := strings.Split(rest, fieldSep)

		// Fields[0] = MSH-1 = the separator itself, Fields[1] = MSH-2
		// (encoding characters), Fields[2] = MSH-3, and so on.
		seg.Fields = append(seg.Fields, Field{
			Value:      fieldSep,
			Components: []string{fieldSep},
		})

		for _, part := range parts {
			seg.Fields = append(seg.Fields, parseField(part))
		}
	} else {
		// Normal segments: name|field1|field2|...
		parts := strings.SplitN(line, "|", 2)
		seg.Name = parts[0]

		if len(parts) > 1 {
			fields := strings.Split(parts[1], "|")
			for _, f := range fields {
				seg.Fields = append(seg.Fields, parseField(f))
			}
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{
		Value: raw,
	}

	reps := strings.Split(raw, "~")
	for _, rep := range reps {
		components := strings.Split(rep, "^")
		f.Repeats = append(f.Repeats, components)
	}

	if len(f.Repeats) > 0 {
		f.Components = f.Repeats[0]
	} else {
		f.Components = strings.Split(raw, "^")
	}

	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = mshField(msh, 2)
	m.SendingFac = mshField(msh, 3)
	m.ReceivingApp = mshField(msh, 4)
	m.ReceivingFac = mshField(msh, 5)

	tsStr := mshField(msh, 6)
	if tsStr != "" {
		t, err := parseHL7Timestamp(tsStr)
		if err == nil {
			m.Timestamp = t
		}
	}

	m.Type = mshField(msh, 8)
	m.ControlID = mshField(msh, 9)
	m.Version = mshField(msh, 11)

	return nil
}

// mshField returns the value of an MSH field by its 0-based index into the
// Fields slice. MSH indexing: Fields[0]=MSH-1, Fields[1]=MSH-2, and so on.
func mshField(msh *Segment, index int) string {
	if index >= len(msh.Fields) {
		return ""
	}
	return msh.Fields[index].Value
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by 1-based index.
// For non-MSH segments, field index 1 corresponds to Fields[0].
// For MSH, MSH-1 is Fields[0] (the field separator).
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// FieldPath resolves a dotted HL7 field path of the form "SEGMENT.field" or
// "SEGMENT.field.component" with 1-based indices, e.g. "PID.5.2" for the
// given name inside the patient name field. An unknown segment or an index
// out of range resolves to "".
func (m *Message) FieldPath(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return ""
	}

	seg := m.GetSegment(strings.ToUpper(parts[0]))
	if seg == nil {
		return ""
	}

	fieldIdx, err := strconv.Atoi(parts[1])
	if err != nil || fieldIdx < 1 {
		return ""
	}

	if len(parts) == 2 {
		return seg.GetField(fieldIdx)
	}

	compIdx, err := strconv.Atoi(parts[2])
	if err != nil || compIdx < 1 {
		return ""
	}
	return seg.GetComponent(fieldIdx, compIdx)
}

// SerializeMessage converts a Message struct back into raw HL7v2 bytes
// with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	var segments []string
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment converts a Segment back into its HL7v2 string form.
func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// MSH is special: Fields[0] is the field separator itself (|).
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// BuildSegment constructs a segment from plain field values.
func BuildSegment(name string, fields ...string) Segment {
	seg := Segment{Name: name}
	for _, f := range fields {
		seg.Fields = append(seg.Fields, parseField(f))
	}
	return seg
}

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be "AA" (accept), "AE" (error), or "AR" (reject).
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string) *Message {
	// incoming.Type is something like "ORU^R01"; the ACK echoes the trigger.
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			{Value: "|", Components: []string{"|"}},
			{Value: "^~\\&", Components: []string{"^~\\&"}},
			{Value: ack.SendingApp, Components: []string{ack.SendingApp}},
			{Value: ack.SendingFac, Components: []string{ack.SendingFac}},
			{Value: ack.ReceivingApp, Components: []string{ack.ReceivingApp}},
			{Value: ack.ReceivingFac, Components: []string{ack.ReceivingFac}},
			{Value: timestamp, Components: []string{timestamp}},
			{Value: "", Components: []string{""}},
			{Value: "ACK^" + trigger, Components: []string{"ACK", trigger}},
			{Value: controlID, Components: []string{controlID}},
			{Value: "P", Components: []string{"P"}},
			{Value: incoming.Version, Components: []string{incoming.Version}},
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			{Value: ackCode, Components: []string{ackCode}},
			{Value: incoming.ControlID, Components: []string{incoming.ControlID}},
		},
	}

	ack.Segments = []Segment{msh, msa}

	return ack
}
