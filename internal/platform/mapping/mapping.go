// Package mapping applies per-endpoint field mapping profiles to canonical
// payloads. A profile is an ordered list of rules; each rule copies one
// source path to one target path with an optional transform. Profiles run
// after protocol decoding on inbound messages and before protocol encoding
// on outbound ones, so endpoint-specific field layouts stay out of the
// engine core.
package mapping

import (
	"fmt"
	"strings"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// Transform names a value transformation applied while copying a field.
type Transform string

const (
	TransformIdentity Transform = "identity"
	TransformUpper    Transform = "upper"
	TransformLower    Transform = "lower"
	TransformTrim     Transform = "trim"
)

// Rule copies the value at SourcePath to TargetPath. An empty Transform
// means identity.
type Rule struct {
	SourcePath string    `json:"source_path"`
	TargetPath string    `json:"target_path"`
	Transform  Transform `json:"transform,omitempty"`
}

// Profile is a named, ordered set of mapping rules.
type Profile struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Validate checks that every rule has both paths and a known transform.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("mapping: profile name is required")
	}
	for i, r := range p.Rules {
		if r.SourcePath == "" {
			return fmt.Errorf("mapping: rule %d of profile %q has no source path", i, p.Name)
		}
		if r.TargetPath == "" {
			return fmt.Errorf("mapping: rule %d of profile %q has no target path", i, p.Name)
		}
		switch r.Transform {
		case "", TransformIdentity, TransformUpper, TransformLower, TransformTrim:
		default:
			return fmt.Errorf("mapping: rule %d of profile %q has unknown transform %q", i, p.Name, r.Transform)
		}
	}
	return nil
}

// Apply runs the profile against a payload and returns a new payload built
// from the rules. The input is never modified. Rules whose source path is
// unset in the input are skipped; a later rule may overwrite an earlier
// rule's target.
func (p *Profile) Apply(in canonical.Payload) (canonical.Payload, error) {
	out := canonical.Payload{}
	for i, r := range p.Rules {
		v, ok := in.Get(r.SourcePath)
		if !ok {
			continue
		}
		v = applyTransform(r.Transform, v)
		if err := out.Set(r.TargetPath, v); err != nil {
			return nil, fmt.Errorf("mapping: rule %d of profile %q: %w", i, p.Name, err)
		}
	}
	return out, nil
}

func applyTransform(t Transform, v interface{}) interface{} {
	s, isString := v.(string)
	if !isString {
		return v
	}
	switch t {
	case TransformUpper:
		return strings.ToUpper(s)
	case TransformLower:
		return strings.ToLower(s)
	case TransformTrim:
		return strings.TrimSpace(s)
	default:
		return s
	}
}
