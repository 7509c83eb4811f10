package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/limsuite/interface-engine/internal/domain/endpoint"
	"github.com/limsuite/interface-engine/internal/domain/job"
	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// DomainEventBridge is the boundary to the surrounding workflow code. The
// engine calls into it when an inbound payload needs a domain effect
// (create an order, update result lines) and when an ACK timeout needs a
// human to look at it.
type DomainEventBridge interface {
	// ApplyInbound applies a decoded, mapped inbound payload. The message
	// type says which workflow operation is implied. Errors fail the job
	// and are retried per endpoint policy.
	ApplyInbound(ctx context.Context, ep *endpoint.Endpoint, messageType job.MessageType, payload canonical.Payload) error

	// Escalate notifies the target group that an outbound job's remote
	// acknowledgement is overdue.
	Escalate(ctx context.Context, target string, j *job.Job) error
}

// LogBridge is the default bridge: it records the calls it receives and
// does nothing else. Deployments wire a real workflow integration instead.
type LogBridge struct {
	log zerolog.Logger
}

func NewLogBridge(log zerolog.Logger) *LogBridge {
	return &LogBridge{log: log}
}

func (b *LogBridge) ApplyInbound(_ context.Context, ep *endpoint.Endpoint, messageType job.MessageType, payload canonical.Payload) error {
	b.log.Info().
		Str("endpoint", ep.Code).
		Str("message_type", string(messageType)).
		Int("fields", len(payload)).
		Msg("inbound payload applied")
	return nil
}

func (b *LogBridge) Escalate(_ context.Context, target string, j *job.Job) error {
	b.log.Warn().
		Str("target", target).
		Str("job_id", j.ID.String()).
		Str("endpoint", j.EndpointCode).
		Msg("ack overdue, escalating")
	return nil
}
