package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/limsuite/interface-engine/internal/domain/audit"
	"github.com/limsuite/interface-engine/internal/domain/endpoint"
	"github.com/limsuite/interface-engine/internal/domain/job"
	"github.com/limsuite/interface-engine/internal/platform/canonical"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

// Engine drives the message-exchange lifecycle: ingest, enqueue, scheduled
// processing, acknowledgement handling, dead-lettering and escalation. All
// lifecycle state lives on the persisted job; the engine itself holds no
// in-memory schedule that could be lost across restarts.
type Engine struct {
	endpoints *endpoint.Service
	jobs      job.Repository
	audits    audit.Repository

	bridge     DomainEventBridge
	dispatcher Dispatcher
	log        zerolog.Logger

	workers           int
	defaultEscalation string
	now               func() time.Time
}

type Option func(*Engine)

// WithBridge wires the workflow-side collaborator.
func WithBridge(b DomainEventBridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithDispatcher overrides the outbound transport, mainly for tests.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWorkers sets how many claimed jobs are processed concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithDefaultEscalation sets the reviewer group used when an endpoint has
// no escalation target of its own.
func WithDefaultEscalation(target string) Option {
	return func(e *Engine) { e.defaultEscalation = target }
}

func New(endpoints *endpoint.Service, jobs job.Repository, audits audit.Repository, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		endpoints:         endpoints,
		jobs:              jobs,
		audits:            audits,
		log:               log,
		workers:           4,
		defaultEscalation: "interface-review",
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.bridge == nil {
		e.bridge = NewLogBridge(log)
	}
	if e.dispatcher == nil {
		e.dispatcher = NewTransportDispatcher(30 * time.Second)
	}
	return e
}

// Ingest accepts one inbound delivery. The raw bytes are recorded on a new
// job and processed immediately; a processing failure is recorded on the
// job, not returned, so the remote always gets its job reference back. A
// repeated externalUID returns the existing job unchanged.
func (e *Engine) Ingest(ctx context.Context, endpointCode string, messageType job.MessageType, raw []byte, externalUID, sourceAddr, credential string) (*job.Job, error) {
	ep, err := e.endpoints.Resolve(ctx, endpointCode)
	if err != nil {
		return nil, configErrorf("unknown endpoint %q", endpointCode)
	}
	if !ep.Active {
		return nil, configErrorf("endpoint %q is inactive", endpointCode)
	}
	if !ep.AllowsInbound() {
		return nil, configErrorf("endpoint %q does not accept inbound messages", endpointCode)
	}
	if !ep.SourceAllowed(sourceAddr) {
		return nil, configErrorf("source %q not allowed on endpoint %q", sourceAddr, endpointCode)
	}
	if err := ep.Auth.VerifyInbound(credential); err != nil {
		return nil, &AuthError{Reason: fmt.Sprintf("endpoint %q: %v", endpointCode, err)}
	}
	if !messageType.Valid() {
		return nil, configErrorf("unknown message type %q", messageType)
	}

	if externalUID != "" {
		existing, err := e.jobs.FindByExternalUID(ctx, ep.ID, job.Inbound, externalUID)
		if err == nil {
			e.audit(ctx, audit.ActionDedup, existing, "duplicate inbound delivery, job reused")
			return existing, nil
		}
		if !errors.Is(err, job.ErrNotFound) {
			return nil, err
		}
	}

	j := &job.Job{
		EndpointID:    ep.ID,
		EndpointCode:  ep.Code,
		Direction:     job.Inbound,
		MessageType:   messageType,
		State:         job.StateQueued,
		RawPayload:    raw,
		ExternalUID:   externalUID,
		SourceAddress: sourceAddr,
		QueuedAt:      e.now(),
	}
	if err := e.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create inbound job: %w", err)
	}
	e.audit(ctx, audit.ActionIngest, j, "inbound message accepted")

	// Fire-and-process: the failure, if any, lands on the job record.
	if claimed, err := e.jobs.Claim(ctx, j.ID, e.now()); err == nil {
		e.processClaimed(ctx, ep, claimed)
	}

	return e.jobs.GetByID(ctx, j.ID)
}

// EnqueueOutbound creates (or reuses) the outbound job for a workflow
// event. Dispatch itself happens on the scheduler sweep.
func (e *Engine) EnqueueOutbound(ctx context.Context, endpointCode string, messageType job.MessageType, entityRef string, revision int, payload canonical.Payload) (*job.Job, error) {
	ep, err := e.endpoints.Resolve(ctx, endpointCode)
	if err != nil {
		return nil, configErrorf("unknown endpoint %q", endpointCode)
	}
	if !ep.Active {
		return nil, configErrorf("endpoint %q is inactive", endpointCode)
	}
	if !ep.AllowsOutbound() {
		return nil, configErrorf("endpoint %q does not accept outbound messages", endpointCode)
	}
	if !messageType.Valid() {
		return nil, configErrorf("unknown message type %q", messageType)
	}
	if entityRef == "" {
		return nil, configErrorf("outbound enqueue requires an entity reference")
	}

	key := job.BuildIdempotencyKey(ep.Code, messageType, entityRef, revision)
	existing, err := e.jobs.FindLiveByIdempotencyKey(ctx, key)
	if err == nil {
		e.audit(ctx, audit.ActionDedup, existing, "outbound enqueue deduplicated, live job reused")
		return existing, nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return nil, err
	}

	j := &job.Job{
		EndpointID:     ep.ID,
		EndpointCode:   ep.Code,
		Direction:      job.Outbound,
		MessageType:    messageType,
		State:          job.StateQueued,
		Payload:        payload,
		IdempotencyKey: key,
		EntityRef:      entityRef,
		EntityRevision: revision,
		QueuedAt:       e.now(),
	}
	if err := e.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create outbound job: %w", err)
	}
	e.audit(ctx, audit.ActionEnqueue, j, "outbound message queued")
	return j, nil
}

// ProcessPending claims up to limit due jobs and processes them, fanning
// out across the worker pool. Returns how many jobs were claimed.
func (e *Engine) ProcessPending(ctx context.Context, limit int) (int, error) {
	claimed, err := e.jobs.ClaimDue(ctx, limit, e.now())
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, j := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(j *job.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			e.processOne(ctx, j)
		}(j)
	}
	wg.Wait()
	return len(claimed), nil
}

func (e *Engine) processOne(ctx context.Context, j *job.Job) {
	ep, err := e.endpoints.Resolve(ctx, j.EndpointCode)
	if err != nil {
		// The endpoint was deleted out from under its jobs; nothing to
		// retry against.
		j.State = job.StateFailed
		j.ErrorMessage = fmt.Sprintf("endpoint %q no longer exists", j.EndpointCode)
		if err := e.jobs.FinishAttempt(ctx, j); err == nil {
			e.audit(ctx, audit.ActionFail, j, j.ErrorMessage)
		}
		return
	}
	e.processClaimed(ctx, ep, j)
}

// processClaimed runs one processing attempt on a job already leased into
// running. Every outcome ends with exactly one guarded state persist and
// one audit entry.
func (e *Engine) processClaimed(ctx context.Context, ep *endpoint.Endpoint, j *job.Job) {
	execErr := e.execute(ctx, ep, j)
	now := e.now()

	var action audit.Action
	var note string
	if execErr == nil {
		e.markSuccess(ep, j, now)
		action, note = audit.ActionProcess, "processed"
		if j.AckState == job.AckPending {
			note = "dispatched, awaiting remote ack"
		}
	} else {
		execErr = classify(execErr)
		action, note = e.handleFailure(ep, j, execErr, now)
	}

	if err := e.jobs.FinishAttempt(ctx, j); err != nil {
		if errors.Is(err, job.ErrSuperseded) {
			// Operator cancel landed mid-attempt; the cancel stands.
			e.audit(ctx, audit.ActionCancel, j, "cancel observed at attempt boundary, attempt outcome discarded")
			return
		}
		e.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("persist attempt outcome failed")
		return
	}
	e.audit(ctx, action, j, note)
}

// execute performs the direction-specific work of an attempt, mutating the
// job's payload and response fields. State transitions happen in the
// caller.
func (e *Engine) execute(ctx context.Context, ep *endpoint.Endpoint, j *job.Job) error {
	adapter, err := e.adapterFor(ep)
	if err != nil {
		return err
	}

	switch j.Direction {
	case job.Inbound:
		// Rebuild the canonical payload from the wire bytes on every attempt.
		// The persisted Payload is the post-mapping form; feeding it back
		// through the profile on a retry would strip every field.
		payload := j.Payload
		if len(j.RawPayload) > 0 {
			if payload, err = adapter.Decode(j.RawPayload); err != nil {
				return err
			}
		} else if payload == nil {
			return &ValidationError{Err: fmt.Errorf("inbound job %s has no payload", j.ID)}
		}
		if ep.InboundProfile != nil {
			if payload, err = ep.InboundProfile.Apply(payload); err != nil {
				return &ValidationError{Err: err}
			}
		}
		j.Payload = payload
		if err := e.bridge.ApplyInbound(ctx, ep, j.MessageType, payload); err != nil {
			return &TransientFailure{Err: fmt.Errorf("apply inbound payload: %w", err)}
		}
		return nil

	case job.Outbound:
		payload := j.Payload
		if ep.OutboundProfile != nil {
			if payload, err = ep.OutboundProfile.Apply(payload); err != nil {
				return &ValidationError{Err: err}
			}
		}
		raw, err := adapter.Encode(payload, string(j.MessageType))
		if err != nil {
			return &ValidationError{Err: err}
		}
		resp, err := e.dispatcher.Dispatch(ctx, ep, raw)
		if err != nil {
			return err
		}
		j.ResponseCode = resp.StatusCode
		j.ResponseBody = string(resp.Body)

		ack := adapter.ExtractAckCode(resp.StatusCode, resp.Body)
		if ack != protocol.AckAccept {
			return &RemoteRejection{Code: ack, Body: j.ResponseBody}
		}
		return nil

	default:
		return configErrorf("job %s has invalid direction %q", j.ID, j.Direction)
	}
}

func (e *Engine) adapterFor(ep *endpoint.Endpoint) (protocol.Adapter, error) {
	if ep.Protocol == protocol.ProtocolHL7v2 && len(ep.HL7FieldMap) > 0 {
		return protocol.NewHL7Adapter(ep.HL7FieldMap), nil
	}
	a, err := protocol.ForProtocol(ep.Protocol)
	if err != nil {
		return nil, configErrorf("endpoint %q: %v", ep.Code, err)
	}
	return a, nil
}

func (e *Engine) markSuccess(ep *endpoint.Endpoint, j *job.Job, now time.Time) {
	j.State = job.StateDone
	j.ProcessedAt = &now
	j.ErrorMessage = ""
	j.NextRetryAt = nil

	if j.Direction == job.Outbound && ep.RequireAck {
		// The remote owes us an explicit ack; supervision takes over.
		deadline := ep.AckDeadline(now)
		j.AckCode = ""
		j.AckState = job.AckPending
		j.AckDeadline = &deadline
		return
	}
	j.AckCode = protocol.AckAccept
	j.AckState = job.AckReceived
	j.AckReceivedAt = &now
}

// handleFailure turns an attempt error into the next state of the job:
// permanent validation failures go straight to failed, everything else
// runs through the retry policy.
func (e *Engine) handleFailure(ep *endpoint.Endpoint, j *job.Job, err error, now time.Time) (audit.Action, string) {
	j.ErrorMessage = err.Error()

	if permanent(err) {
		j.State = job.StateFailed
		return audit.ActionFail, "permanent failure: " + j.ErrorMessage
	}
	return e.scheduleRetry(ep, j, now)
}

// scheduleRetry applies the endpoint retry policy after a retryable
// failure: back into the queue with a delay, or terminal when attempts or
// the retry window are exhausted.
func (e *Engine) scheduleRetry(ep *endpoint.Endpoint, j *job.Job, now time.Time) (audit.Action, string) {
	if j.AttemptCount > ep.RetryLimit {
		return e.terminalFailure(ep, j, fmt.Sprintf("retry limit of %d exceeded after %d attempts: %s",
			ep.RetryLimit, j.AttemptCount, j.ErrorMessage))
	}

	next := now.Add(ep.ComputeRetryDelay(j.AttemptCount))
	if deadline, bounded := ep.RetryDeadline(j.QueuedAt); bounded && next.After(deadline) {
		return e.terminalFailure(ep, j, fmt.Sprintf("retry window of %dm exhausted: %s",
			ep.RetryWindowMin, j.ErrorMessage))
	}

	j.State = job.StateRetry
	j.NextRetryAt = &next
	return audit.ActionRetry, fmt.Sprintf("attempt %d failed, retry at %s", j.AttemptCount, next.Format(time.RFC3339))
}

func (e *Engine) terminalFailure(ep *endpoint.Endpoint, j *job.Job, reason string) (audit.Action, string) {
	j.NextRetryAt = nil
	if ep.DeadLetterEnabled {
		j.State = job.StateDeadLetter
		j.DeadLetterReason = reason
		return audit.ActionDeadLetter, reason
	}
	j.State = job.StateFailed
	return audit.ActionFail, reason
}

// ApplyAck records a remote acknowledgement for an outbound job. AA
// finalizes the exchange; AE and AR route through the same failure path as
// a dispatch error.
func (e *Engine) ApplyAck(ctx context.Context, endpointCode string, ackCode protocol.AckCode, jobID uuid.UUID, ackMessage, sourceAddr string) (*job.Job, error) {
	ep, err := e.endpoints.Resolve(ctx, endpointCode)
	if err != nil {
		return nil, configErrorf("unknown endpoint %q", endpointCode)
	}
	switch ackCode {
	case protocol.AckAccept, protocol.AckError, protocol.AckReject:
	default:
		return nil, configErrorf("unknown ack code %q", ackCode)
	}

	j, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.EndpointCode != ep.Code {
		return nil, configErrorf("job %s does not belong to endpoint %q", jobID, endpointCode)
	}

	now := e.now()
	j.AckCode = ackCode
	j.AckReceivedAt = &now
	if ackMessage != "" {
		j.ResponseBody = ackMessage
	}
	if sourceAddr != "" {
		j.SourceAddress = sourceAddr
	}

	var action audit.Action
	var note string
	if ackCode == protocol.AckAccept {
		j.AckState = job.AckReceived
		j.AckDeadline = nil
		if j.State != job.StateDone {
			j.State = job.StateDone
			j.ProcessedAt = &now
		}
		action, note = audit.ActionAck, "remote acknowledged"
	} else {
		j.AckState = job.AckReceived
		j.AckDeadline = nil
		j.ErrorMessage = (&RemoteRejection{Code: ackCode, Body: ackMessage}).Error()
		action, note = e.scheduleRetry(ep, j, now)
	}

	if err := e.jobs.Update(ctx, j); err != nil {
		return nil, err
	}
	e.audit(ctx, action, j, note)
	return j, nil
}

// Requeue returns a terminal job to the queue for operator recovery.
func (e *Engine) Requeue(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	j, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := j.ResetForRequeue(e.now()); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	if err := e.jobs.Update(ctx, j); err != nil {
		return nil, err
	}
	e.audit(ctx, audit.ActionRequeue, j, "requeued by operator")
	return j, nil
}

// Cancel marks a non-terminal job cancelled. A worker mid-attempt finishes
// its attempt; the cancel is observed at the next transition boundary.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	j, err := e.jobs.MarkCancel(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrSuperseded) {
			return nil, configErrorf("job %s is already terminal", jobID)
		}
		return nil, err
	}
	e.audit(ctx, audit.ActionCancel, j, "cancelled by operator")
	return j, nil
}

// EscalateAckTimeouts sweeps done outbound jobs whose ack deadline passed
// and escalates each exactly once. Returns how many were escalated.
func (e *Engine) EscalateAckTimeouts(ctx context.Context) (int, error) {
	now := e.now()
	overdue, err := e.jobs.FindOverdueAcks(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("find overdue acks: %w", err)
	}

	count := 0
	for _, j := range overdue {
		j.AckState = job.AckOverdue
		j.EscalatedAt = &now
		if err := e.jobs.Update(ctx, j); err != nil {
			e.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("persist escalation failed")
			continue
		}

		target := e.defaultEscalation
		if ep, err := e.endpoints.Resolve(ctx, j.EndpointCode); err == nil && ep.EscalationTarget != "" {
			target = ep.EscalationTarget
		}
		if err := e.bridge.Escalate(ctx, target, j); err != nil {
			e.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("escalation notify failed")
		}
		e.audit(ctx, audit.ActionEscalate, j, "ack overdue, escalated to "+target)
		count++
	}
	return count, nil
}

// Run drives the periodic sweeps until the context is cancelled: due-job
// processing (which includes dead-letter window checks) and ACK timeout
// escalation.
func (e *Engine) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", interval).Int("batch", batch).Msg("engine sweep started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine sweep stopped")
			return
		case <-ticker.C:
			if n, err := e.ProcessPending(ctx, batch); err != nil {
				e.log.Error().Err(err).Msg("process sweep failed")
			} else if n > 0 {
				e.log.Debug().Int("claimed", n).Msg("process sweep")
			}
			if n, err := e.EscalateAckTimeouts(ctx); err != nil {
				e.log.Error().Err(err).Msg("ack sweep failed")
			} else if n > 0 {
				e.log.Warn().Int("escalated", n).Msg("ack sweep escalations")
			}
		}
	}
}

func (e *Engine) audit(ctx context.Context, action audit.Action, j *job.Job, note string) {
	entry := &audit.Entry{
		RecordedAt:    e.now(),
		Action:        action,
		Direction:     string(j.Direction),
		EndpointCode:  j.EndpointCode,
		JobID:         j.ID,
		ExternalUID:   j.ExternalUID,
		SourceAddress: j.SourceAddress,
		Payload:       j.Payload,
		Result:        note,
		ResultState:   string(j.State),
	}
	if err := e.audits.Append(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("job_id", j.ID.String()).Msg("audit append failed")
	}
}
