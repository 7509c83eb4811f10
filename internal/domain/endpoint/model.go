package endpoint

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/limsuite/interface-engine/internal/platform/mapping"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

// SystemType classifies the external counterparty.
type SystemType string

const (
	SystemLIS        SystemType = "lis"
	SystemHIS        SystemType = "his"
	SystemInstrument SystemType = "instrument"
	SystemOther      SystemType = "other"
)

// Direction says which way messages may flow through an endpoint.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// RetryStrategy selects the delay computation between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// AuthType is how outbound dispatches authenticate to the remote system.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api-key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// AuthConfig describes endpoint credentials. Stored as JSONB on the
// endpoint row.
type AuthConfig struct {
	Type     AuthType `json:"type"`
	Header   string   `json:"header,omitempty"` // api-key header name, default X-API-Key
	Token    string   `json:"token,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// VerifyInbound checks a presented credential against the endpoint's shared
// secret. Only api-key and bearer endpoints gate inbound deliveries; basic
// credentials are outbound-only.
func (a AuthConfig) VerifyInbound(credential string) error {
	switch a.Type {
	case AuthAPIKey, AuthBearer:
		if a.Token != "" && credential != a.Token {
			return fmt.Errorf("credential does not match endpoint secret")
		}
	}
	return nil
}

// Endpoint is a configured external counterparty: an upstream HIS, a
// downstream LIS, or a physical instrument. It carries the wire protocol,
// delivery address, credentials, retry policy, ACK supervision policy and
// the mapping profiles applied to payloads crossing it.
type Endpoint struct {
	ID         uuid.UUID         `db:"id" json:"id"`
	Code       string            `db:"code" json:"code"`
	Name       string            `db:"name" json:"name"`
	SystemType SystemType        `db:"system_type" json:"system_type"`
	Direction  Direction         `db:"direction" json:"direction"`
	Protocol   protocol.Protocol `db:"protocol" json:"protocol"`

	// Address is the dispatch target: an http(s) URL for FHIR/REST
	// endpoints, host:port for MLLP-framed HL7, empty for inbound-only.
	Address string     `db:"address" json:"address"`
	Auth    AuthConfig `db:"auth" json:"auth"`

	// AllowedSources is an allow-list of remote addresses for inbound
	// traffic. Empty means any source is accepted.
	AllowedSources []string `db:"allowed_sources" json:"allowed_sources"`

	RetryStrategy     RetryStrategy `db:"retry_strategy" json:"retry_strategy"`
	RetryIntervalMin  int           `db:"retry_interval_minutes" json:"retry_interval_minutes"`
	BackoffFactor     float64       `db:"backoff_factor" json:"backoff_factor"`
	MaxIntervalMin    int           `db:"max_interval_minutes" json:"max_interval_minutes"`
	RetryLimit        int           `db:"retry_limit" json:"retry_limit"`
	RetryWindowMin    int           `db:"retry_window_minutes" json:"retry_window_minutes"` // 0 = unbounded
	DeadLetterEnabled bool          `db:"dead_letter_enabled" json:"dead_letter_enabled"`
	TimeoutSeconds    int           `db:"timeout_seconds" json:"timeout_seconds"`

	RequireAck       bool   `db:"require_ack" json:"require_ack"`
	AckTimeoutMin    int    `db:"ack_timeout_minutes" json:"ack_timeout_minutes"`
	EscalationTarget string `db:"escalation_target" json:"escalation_target"`

	// HL7FieldMap maps canonical keys to HL7 field paths ("PID.5.2") for
	// endpoints whose feeds do not follow the default OBR/OBX layout.
	HL7FieldMap map[string]string `db:"hl7_field_map" json:"hl7_field_map,omitempty"`

	InboundProfile  *mapping.Profile `db:"inbound_profile" json:"inbound_profile,omitempty"`
	OutboundProfile *mapping.Profile `db:"outbound_profile" json:"outbound_profile,omitempty"`

	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Validate rejects bad endpoint policy before it can reach a job.
func (e *Endpoint) Validate() error {
	if e.Code == "" {
		return fmt.Errorf("endpoint code is required")
	}
	switch e.SystemType {
	case SystemLIS, SystemHIS, SystemInstrument, SystemOther:
	default:
		return fmt.Errorf("unknown system type %q", e.SystemType)
	}
	switch e.Direction {
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
	default:
		return fmt.Errorf("unknown direction %q", e.Direction)
	}
	if !e.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", e.Protocol)
	}
	switch e.RetryStrategy {
	case RetryFixed, RetryExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", e.RetryStrategy)
	}
	if e.RetryLimit < 0 {
		return fmt.Errorf("retry limit must be >= 0, got %d", e.RetryLimit)
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout seconds must be > 0, got %d", e.TimeoutSeconds)
	}
	if e.RetryIntervalMin <= 0 {
		return fmt.Errorf("retry interval minutes must be > 0, got %d", e.RetryIntervalMin)
	}
	if e.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff factor must be >= 1.0, got %g", e.BackoffFactor)
	}
	if e.RetryWindowMin < 0 {
		return fmt.Errorf("retry window minutes must be >= 0, got %d", e.RetryWindowMin)
	}
	if e.MaxIntervalMin < 0 {
		return fmt.Errorf("max interval minutes must be >= 0, got %d", e.MaxIntervalMin)
	}
	if e.RequireAck && e.AckTimeoutMin <= 0 {
		return fmt.Errorf("ack timeout minutes must be > 0 when ack is required, got %d", e.AckTimeoutMin)
	}
	switch e.Auth.Type {
	case "", AuthNone, AuthAPIKey, AuthBearer, AuthBasic:
	default:
		return fmt.Errorf("unknown auth type %q", e.Auth.Type)
	}
	if e.InboundProfile != nil {
		if err := e.InboundProfile.Validate(); err != nil {
			return err
		}
	}
	if e.OutboundProfile != nil {
		if err := e.OutboundProfile.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AllowsInbound reports whether the endpoint accepts messages from the
// remote system.
func (e *Endpoint) AllowsInbound() bool {
	return e.Direction == DirectionInbound || e.Direction == DirectionBidirectional
}

// AllowsOutbound reports whether the endpoint accepts messages to the
// remote system.
func (e *Endpoint) AllowsOutbound() bool {
	return e.Direction == DirectionOutbound || e.Direction == DirectionBidirectional
}

// SourceAllowed checks a remote address against the allow-list. An empty
// list accepts everything.
func (e *Endpoint) SourceAllowed(addr string) bool {
	if len(e.AllowedSources) == 0 {
		return true
	}
	for _, allowed := range e.AllowedSources {
		if allowed == addr {
			return true
		}
	}
	return false
}

// ComputeRetryDelay returns the wait before the given attempt number is
// retried. Attempt numbering is 1-based: the delay after the first failed
// attempt is the base interval.
func (e *Endpoint) ComputeRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(e.RetryIntervalMin) * time.Minute
	if e.RetryStrategy == RetryFixed {
		return base
	}

	delay := time.Duration(float64(base) * math.Pow(e.BackoffFactor, float64(attempt-1)))
	if delay < base {
		// Overflow guard for absurd attempt counts.
		delay = base
	}
	if e.MaxIntervalMin > 0 {
		if max := time.Duration(e.MaxIntervalMin) * time.Minute; delay > max {
			delay = max
		}
	}
	return delay
}

// RetryDeadline returns the instant after which no further retries are
// scheduled for a job queued at queuedAt. The second return is false when
// the retry window is unbounded.
func (e *Endpoint) RetryDeadline(queuedAt time.Time) (time.Time, bool) {
	if e.RetryWindowMin <= 0 {
		return time.Time{}, false
	}
	return queuedAt.Add(time.Duration(e.RetryWindowMin) * time.Minute), true
}

// AckDeadline returns when a pending remote acknowledgement becomes
// overdue, measured from the dispatch time.
func (e *Endpoint) AckDeadline(dispatchedAt time.Time) time.Time {
	return dispatchedAt.Add(time.Duration(e.AckTimeoutMin) * time.Minute)
}
