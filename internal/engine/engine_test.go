package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/limsuite/interface-engine/internal/domain/audit"
	"github.com/limsuite/interface-engine/internal/domain/endpoint"
	"github.com/limsuite/interface-engine/internal/domain/job"
	"github.com/limsuite/interface-engine/internal/platform/canonical"
	"github.com/limsuite/interface-engine/internal/platform/mapping"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

var mappingProfile = mapping.Profile{
	Name: "instrument-to-lims",
	Rules: []mapping.Rule{
		{SourcePath: "barcode", TargetPath: "specimen.barcode"},
		{SourcePath: "service", TargetPath: "order.code", Transform: mapping.TransformUpper},
		{SourcePath: "result", TargetPath: "order.result"},
	},
}

const sampleORU = "MSH|^~\\&|INSTR|LAB|LIS|LAB|20240101120000||ORU^R01|MSG00042|P|2.5.1\r" +
	"PID|1||12345^^^MRN||Nguyen^Mai\r" +
	"OBR|1|BC123|BC123|GLU^GLUCOSE\r" +
	"OBX|1|NM|GLU^TEST||101|mg/dL|||||F"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeDispatcher fails the first failN dispatches with a transport error,
// then succeeds with resp.
type fakeDispatcher struct {
	mu    sync.Mutex
	failN int
	resp  Response
	calls int
	sent  [][]byte

	// onDispatch, when set, runs inside each dispatch with the lock
	// released. Used to race operator actions against a live attempt.
	onDispatch func()
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *endpoint.Endpoint, raw []byte) (*Response, error) {
	d.mu.Lock()
	d.calls++
	d.sent = append(d.sent, append([]byte(nil), raw...))
	fail := d.calls <= d.failN
	hook := d.onDispatch
	resp := d.resp
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	return &resp, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeBridge struct {
	mu          sync.Mutex
	applied     []canonical.Payload
	applyErr    error
	escalations []string
}

func (b *fakeBridge) ApplyInbound(_ context.Context, _ *endpoint.Endpoint, _ job.MessageType, p canonical.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return b.applyErr
	}
	b.applied = append(b.applied, p.Clone())
	return nil
}

func (b *fakeBridge) Escalate(_ context.Context, target string, _ *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escalations = append(b.escalations, target)
	return nil
}

type fixture struct {
	engine     *Engine
	endpoints  *endpoint.Service
	jobs       *job.InMemoryRepo
	audits     *audit.InMemoryRepo
	clock      *testClock
	dispatcher *fakeDispatcher
	bridge     *fakeBridge
}

func newFixture(t *testing.T, eps ...*endpoint.Endpoint) *fixture {
	t.Helper()
	f := &fixture{
		endpoints:  endpoint.NewService(endpoint.NewInMemoryRepo()),
		jobs:       job.NewInMemoryRepo(),
		audits:     audit.NewInMemoryRepo(),
		clock:      newTestClock(),
		dispatcher: &fakeDispatcher{},
		bridge:     &fakeBridge{},
	}
	for _, ep := range eps {
		if err := f.endpoints.CreateEndpoint(context.Background(), ep); err != nil {
			t.Fatalf("create endpoint %s: %v", ep.Code, err)
		}
	}
	f.engine = New(f.endpoints, f.jobs, f.audits, zerolog.Nop(),
		WithClock(f.clock.Now),
		WithDispatcher(f.dispatcher),
		WithBridge(f.bridge),
	)
	return f
}

func hl7Inbound() *endpoint.Endpoint {
	return &endpoint.Endpoint{
		Code:       "instr-1",
		Name:       "Chemistry analyzer",
		SystemType: endpoint.SystemInstrument,
		Direction:  endpoint.DirectionInbound,
		Protocol:   protocol.ProtocolHL7v2,
		Active:     true,
	}
}

func restOutbound() *endpoint.Endpoint {
	return &endpoint.Endpoint{
		Code:       "his-main",
		Name:       "Hospital HIS",
		SystemType: endpoint.SystemHIS,
		Direction:  endpoint.DirectionOutbound,
		Protocol:   protocol.ProtocolREST,
		Address:    "https://his.example.test/api/results",
		Active:     true,
	}
}

func TestIngestDecodesAndApplies(t *testing.T) {
	f := newFixture(t, hl7Inbound())

	j, err := f.engine.Ingest(context.Background(), "instr-1", job.TypeResult, []byte(sampleORU), "MSG00042", "10.0.0.5", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.State != job.StateDone {
		t.Fatalf("state = %s, want done (error: %s)", j.State, j.ErrorMessage)
	}
	for key, want := range map[string]string{
		"barcode": "BC123",
		"service": "GLU",
		"result":  "101",
	} {
		if got, _ := j.Payload.GetString(key); got != want {
			t.Errorf("payload %s = %q, want %q", key, got, want)
		}
	}
	if len(f.bridge.applied) != 1 {
		t.Fatalf("bridge received %d payloads, want 1", len(f.bridge.applied))
	}
	entries, _ := f.audits.ListByJob(context.Background(), j.ID)
	if len(entries) < 2 {
		t.Errorf("expected ingest + process audit entries, got %d", len(entries))
	}
}

func TestIngestDeduplicatesByExternalUID(t *testing.T) {
	f := newFixture(t, hl7Inbound())
	ctx := context.Background()

	first, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "MSG00042", "", "")
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "MSG00042", "", "")
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if first.ID != second.ID {
		t.Error("repeated external uid must return the identical job")
	}
	if len(f.bridge.applied) != 1 {
		t.Errorf("bridge called %d times, duplicate delivery must not re-apply", len(f.bridge.applied))
	}

	entries, _ := f.audits.ListByJob(ctx, first.ID)
	var deduped bool
	for _, e := range entries {
		if e.Action == audit.ActionDedup {
			deduped = true
		}
	}
	if !deduped {
		t.Error("dedup hit must be audited")
	}
}

func TestIngestRejectsDisallowedCalls(t *testing.T) {
	in := hl7Inbound()
	in.AllowedSources = []string{"10.0.0.5"}
	out := restOutbound()
	f := newFixture(t, in, out)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"unknown endpoint", func() error {
			_, err := f.engine.Ingest(ctx, "nope", job.TypeResult, []byte(sampleORU), "", "10.0.0.5", "")
			return err
		}},
		{"outbound-only endpoint", func() error {
			_, err := f.engine.Ingest(ctx, "his-main", job.TypeResult, []byte(sampleORU), "", "10.0.0.5", "")
			return err
		}},
		{"source not in allow-list", func() error {
			_, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "", "192.168.9.9", "")
			return err
		}},
		{"bad message type", func() error {
			_, err := f.engine.Ingest(ctx, "instr-1", "telegram", []byte(sampleORU), "", "10.0.0.5", "")
			return err
		}},
	}
	for _, tc := range cases {
		err := tc.call()
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("%s: got %v, want ConfigurationError", tc.name, err)
		}
	}
}

func TestIngestVerifiesSharedKey(t *testing.T) {
	ep := hl7Inbound()
	ep.Auth = endpoint.AuthConfig{Type: endpoint.AuthAPIKey, Token: "s3cret"}
	f := newFixture(t, ep)
	ctx := context.Background()

	_, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "M1", "", "wrong")
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want AuthError for bad credential", err)
	}

	if _, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "M1", "", "s3cret"); err != nil {
		t.Errorf("matching credential rejected: %v", err)
	}
}

func TestIngestValidationFailureFailsJob(t *testing.T) {
	f := newFixture(t, hl7Inbound())

	// Parseable header but no OBR barcode and no field map.
	j, err := f.engine.Ingest(context.Background(), "instr-1", job.TypeResult,
		[]byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|X1|P|2.5.1"), "X1", "", "")
	if err != nil {
		t.Fatalf("Ingest must return the job, not the processing error: %v", err)
	}
	if j.State != job.StateFailed {
		t.Errorf("state = %s, want failed (validation errors never retry)", j.State)
	}
	if j.ErrorMessage == "" {
		t.Error("failure must be recorded on the job")
	}
}

func TestInboundBridgeFailureRetries(t *testing.T) {
	ep := hl7Inbound()
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 10
	ep.RetryLimit = 3
	f := newFixture(t, ep)
	f.bridge.applyErr = fmt.Errorf("requisition lookup unavailable")

	j, err := f.engine.Ingest(context.Background(), "instr-1", job.TypeResult, []byte(sampleORU), "MSG1", "", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.State != job.StateRetry {
		t.Fatalf("state = %s, want retry", j.State)
	}
	if j.NextRetryAt == nil || !j.NextRetryAt.Equal(f.clock.Now().Add(10*time.Minute)) {
		t.Errorf("nextRetryAt = %v, want now+10m", j.NextRetryAt)
	}
}

// A retried inbound job must rebuild its payload from the wire bytes; the
// persisted payload is post-mapping, and running the profile over it again
// would strip every mapped field.
func TestInboundRetryRebuildsMappedPayload(t *testing.T) {
	ep := hl7Inbound()
	ep.InboundProfile = &mappingProfile
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 10
	ep.RetryLimit = 3
	f := newFixture(t, ep)
	f.bridge.applyErr = fmt.Errorf("requisition lookup unavailable")
	ctx := context.Background()

	j, err := f.engine.Ingest(ctx, "instr-1", job.TypeResult, []byte(sampleORU), "MSG88", "", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.State != job.StateRetry {
		t.Fatalf("state = %s, want retry", j.State)
	}

	f.bridge.applyErr = nil
	f.clock.Advance(11 * time.Minute)
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	final, _ := f.jobs.GetByID(ctx, j.ID)
	if final.State != job.StateDone {
		t.Fatalf("state = %s (error: %s), want done", final.State, final.ErrorMessage)
	}
	if len(f.bridge.applied) != 1 {
		t.Fatalf("bridge received %d payloads, want 1", len(f.bridge.applied))
	}
	delivered := f.bridge.applied[0]
	if v, _ := delivered.GetString("specimen.barcode"); v != "BC123" {
		t.Errorf("retried attempt delivered specimen.barcode = %q, want BC123", v)
	}
	if v, _ := delivered.GetString("order.code"); v != "GLU" {
		t.Errorf("retried attempt delivered order.code = %q, want GLU", v)
	}
	if v, _ := final.Payload.GetString("specimen.barcode"); v != "BC123" {
		t.Errorf("persisted specimen.barcode = %q, want BC123", v)
	}
}

func TestOutboundDispatchSuccess(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()

	payload := canonical.Payload{"barcode": "BC9", "service": "CBC", "result": "ok"}
	j, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-9", 1, payload)
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	if j.State != job.StateQueued {
		t.Fatalf("state = %s, want queued", j.State)
	}

	n, err := f.engine.ProcessPending(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	got, _ := f.jobs.GetByID(ctx, j.ID)
	if got.State != job.StateDone {
		t.Fatalf("state = %s, want done (error: %s)", got.State, got.ErrorMessage)
	}
	if got.AckCode != protocol.AckAccept || got.AckState != job.AckReceived {
		t.Errorf("ack = %s/%s, want AA/received", got.AckCode, got.AckState)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempts = %d, want 1", got.AttemptCount)
	}
	if f.dispatcher.callCount() != 1 {
		t.Errorf("dispatcher called %d times, want 1", f.dispatcher.callCount())
	}
	if !strings.Contains(string(f.dispatcher.sent[0]), "BC9") {
		t.Error("encoded payload missing barcode")
	}
}

func TestOutboundIdempotency(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()
	payload := canonical.Payload{"barcode": "BC1", "service": "GLU"}

	first, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-1", 1, payload)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	same, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-1", 1, payload)
	if err != nil {
		t.Fatalf("repeat enqueue: %v", err)
	}
	if first.ID != same.ID {
		t.Error("unchanged key with a live job must reuse it")
	}

	// A revision bump is a new logical exchange.
	rev2, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-1", 2, payload)
	if err != nil {
		t.Fatalf("revision enqueue: %v", err)
	}
	if rev2.ID == first.ID {
		t.Error("revision bump must create a new job")
	}

	// Once the first job is terminal, the key is free again.
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	fresh, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-1", 1, payload)
	if err != nil {
		t.Fatalf("post-terminal enqueue: %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("terminal job must not satisfy the live-job dedup")
	}
}

// Three consecutive dispatch failures against a retryLimit=2 endpoint walk
// the job through retry, retry, dead_letter.
func TestRetryThenDeadLetter(t *testing.T) {
	ep := restOutbound()
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 10
	ep.RetryLimit = 2
	ep.DeadLetterEnabled = true
	f := newFixture(t, ep)
	f.dispatcher.failN = 1000
	ctx := context.Background()

	j, err := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-1", 1, canonical.Payload{"barcode": "B"})
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}

	wantStates := []job.State{job.StateRetry, job.StateRetry, job.StateDeadLetter}
	for i, want := range wantStates {
		if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
		got, _ := f.jobs.GetByID(ctx, j.ID)
		if got.State != want {
			t.Fatalf("after attempt %d: state = %s, want %s", i+1, got.State, want)
		}
		if got.AttemptCount != i+1 {
			t.Errorf("after attempt %d: attempts = %d", i+1, got.AttemptCount)
		}
		f.clock.Advance(11 * time.Minute)
	}

	final, _ := f.jobs.GetByID(ctx, j.ID)
	if final.DeadLetterReason == "" {
		t.Error("dead-lettered job must carry a reason")
	}
	if final.AttemptCount != 3 {
		t.Errorf("final attempts = %d, want 3", final.AttemptCount)
	}
}

func TestDeadLetterDisabledFails(t *testing.T) {
	ep := restOutbound()
	ep.RetryLimit = 0
	ep.DeadLetterEnabled = false
	f := newFixture(t, ep)
	f.dispatcher.failN = 1000
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-2", 1, canonical.Payload{})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	got, _ := f.jobs.GetByID(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Errorf("state = %s, want failed when dead-lettering is disabled", got.State)
	}
}

// A retry that would land past queuedAt+retryWindow dead-letters instead
// of staying in retry.
func TestRetryWindowForcesDeadLetter(t *testing.T) {
	ep := restOutbound()
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 30
	ep.RetryLimit = 10
	ep.RetryWindowMin = 20
	ep.DeadLetterEnabled = true
	f := newFixture(t, ep)
	f.dispatcher.failN = 1000
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-3", 1, canonical.Payload{})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	got, _ := f.jobs.GetByID(ctx, j.ID)
	if got.State != job.StateDeadLetter {
		t.Errorf("state = %s, want dead_letter (next retry would exceed window)", got.State)
	}
	if got.State == job.StateRetry {
		t.Error("job must never be left in retry past its window")
	}
}

// Successful dispatch on a require-ack endpoint parks the job in
// done/ack-pending; the sweep escalates exactly once after the deadline.
func TestAckTimeoutEscalation(t *testing.T) {
	ep := restOutbound()
	ep.RequireAck = true
	ep.AckTimeoutMin = 60
	ep.EscalationTarget = "lab-supervisors"
	f := newFixture(t, ep)
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-5", 1, canonical.Payload{"barcode": "B"})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, _ := f.jobs.GetByID(ctx, j.ID)
	if got.State != job.StateDone || got.AckState != job.AckPending {
		t.Fatalf("state = %s/%s, want done/pending", got.State, got.AckState)
	}
	if got.AckCode != "" {
		t.Errorf("ack code = %s, must stay unset until the remote answers", got.AckCode)
	}
	if got.AckDeadline == nil || !got.AckDeadline.Equal(f.clock.Now().Add(60*time.Minute)) {
		t.Errorf("ack deadline = %v, want now+60m", got.AckDeadline)
	}

	// Before the deadline: nothing to do.
	if n, _ := f.engine.EscalateAckTimeouts(ctx); n != 0 {
		t.Errorf("escalated %d before deadline, want 0", n)
	}

	f.clock.Advance(61 * time.Minute)
	n, err := f.engine.EscalateAckTimeouts(ctx)
	if err != nil {
		t.Fatalf("EscalateAckTimeouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated %d, want 1", n)
	}
	got, _ = f.jobs.GetByID(ctx, j.ID)
	if got.AckState != job.AckOverdue || got.EscalatedAt == nil {
		t.Errorf("ack state = %s, escalatedAt = %v", got.AckState, got.EscalatedAt)
	}
	if len(f.bridge.escalations) != 1 || f.bridge.escalations[0] != "lab-supervisors" {
		t.Errorf("escalations = %v, want one to lab-supervisors", f.bridge.escalations)
	}

	// Exactly-once: the next sweep skips the already-overdue job.
	if n, _ := f.engine.EscalateAckTimeouts(ctx); n != 0 {
		t.Errorf("second sweep escalated %d, want 0", n)
	}
	if len(f.bridge.escalations) != 1 {
		t.Errorf("escalation raised %d times, want exactly once", len(f.bridge.escalations))
	}
}

func TestApplyAckAAFinalizes(t *testing.T) {
	ep := restOutbound()
	ep.RequireAck = true
	ep.AckTimeoutMin = 60
	f := newFixture(t, ep)
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-6", 1, canonical.Payload{})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, err := f.engine.ApplyAck(ctx, "his-main", protocol.AckAccept, j.ID, "", "")
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if got.State != job.StateDone || got.AckCode != protocol.AckAccept || got.AckState != job.AckReceived {
		t.Errorf("after AA: state=%s ack=%s/%s", got.State, got.AckCode, got.AckState)
	}
	if got.AckReceivedAt == nil {
		t.Error("ack receipt time not recorded")
	}

	// The acknowledged job must no longer be subject to the ack sweep.
	f.clock.Advance(2 * time.Hour)
	if n, _ := f.engine.EscalateAckTimeouts(ctx); n != 0 {
		t.Errorf("acked job escalated %d times", n)
	}
}

// An AE or AR acknowledgement is a failure: the job leaves done and goes
// through retry/dead-letter, never staying done with a rejection code.
func TestApplyAckRejectionRoutesToFailurePath(t *testing.T) {
	ep := restOutbound()
	ep.RequireAck = true
	ep.AckTimeoutMin = 60
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 10
	ep.RetryLimit = 3
	f := newFixture(t, ep)
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeReport, "REP-7", 1, canonical.Payload{})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, err := f.engine.ApplyAck(ctx, "his-main", protocol.AckError, j.ID, "MSA|AE|X", "")
	if err != nil {
		t.Fatalf("ApplyAck: %v", err)
	}
	if got.State == job.StateDone {
		t.Fatal("AE ack must not leave the job done")
	}
	if got.State != job.StateRetry {
		t.Errorf("state = %s, want retry", got.State)
	}
	if got.NextRetryAt == nil {
		t.Error("retry not scheduled")
	}
	if got.ErrorMessage == "" {
		t.Error("rejection not recorded")
	}
}

func TestRequeueResetsTerminalJob(t *testing.T) {
	ep := restOutbound()
	ep.RetryLimit = 0
	ep.DeadLetterEnabled = true
	f := newFixture(t, ep)
	f.dispatcher.failN = 1
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-8", 1, canonical.Payload{"barcode": "B"})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	dead, _ := f.jobs.GetByID(ctx, j.ID)
	if dead.State != job.StateDeadLetter {
		t.Fatalf("setup: state = %s, want dead_letter", dead.State)
	}

	requeued, err := f.engine.Requeue(ctx, j.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.State != job.StateQueued || requeued.AttemptCount != 0 {
		t.Errorf("requeued: state=%s attempts=%d", requeued.State, requeued.AttemptCount)
	}
	if requeued.DeadLetterReason != "" || requeued.ErrorMessage != "" {
		t.Error("error fields not cleared on requeue")
	}

	// The dispatcher now succeeds; the requeued job completes.
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending after requeue: %v", err)
	}
	final, _ := f.jobs.GetByID(ctx, j.ID)
	if final.State != job.StateDone {
		t.Errorf("after requeue sweep: state = %s, want done", final.State)
	}
	if final.AttemptCount != 1 {
		t.Errorf("after requeue sweep: attempts = %d, want 1", final.AttemptCount)
	}
}

func TestRequeueRejectsNonTerminal(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()
	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-9", 1, canonical.Payload{})
	if _, err := f.engine.Requeue(ctx, j.ID); err == nil {
		t.Error("queued job must not be requeueable")
	}
}

func TestRequeueRejectsCompletedJob(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-13", 1, canonical.Payload{"barcode": "B"})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	done, _ := f.jobs.GetByID(ctx, j.ID)
	if done.State != job.StateDone {
		t.Fatalf("setup: state = %s, want done", done.State)
	}

	if _, err := f.engine.Requeue(ctx, j.ID); err == nil {
		t.Error("done job must not be requeueable; it would duplicate delivery")
	}
	after, _ := f.jobs.GetByID(ctx, j.ID)
	if after.State != job.StateDone || after.AttemptCount != 1 {
		t.Errorf("rejected requeue mutated job: state=%s attempts=%d", after.State, after.AttemptCount)
	}
}

// An operator cancel landing while a worker holds the processing lease
// wins at the transition boundary: the attempt outcome is discarded.
func TestCancelObservedAtAttemptBoundary(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-10", 1, canonical.Payload{})

	f.dispatcher.onDispatch = func() {
		if _, err := f.engine.Cancel(ctx, j.ID); err != nil {
			t.Errorf("Cancel during attempt: %v", err)
		}
	}
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, _ := f.jobs.GetByID(ctx, j.ID)
	if got.State != job.StateCancel {
		t.Errorf("state = %s, want cancel to stand over the attempt outcome", got.State)
	}
}

func TestCancelRejectsTerminal(t *testing.T) {
	f := newFixture(t, restOutbound())
	ctx := context.Background()
	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-11", 1, canonical.Payload{})
	if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, j.ID); err == nil {
		t.Error("done job must not be cancellable")
	}
}

func TestMappingProfilesApplied(t *testing.T) {
	ep := hl7Inbound()
	ep.InboundProfile = &mappingProfile
	f := newFixture(t, ep)

	j, err := f.engine.Ingest(context.Background(), "instr-1", job.TypeResult, []byte(sampleORU), "MSG77", "", "")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if j.State != job.StateDone {
		t.Fatalf("state = %s (error: %s)", j.State, j.ErrorMessage)
	}
	if v, _ := j.Payload.GetString("specimen.barcode"); v != "BC123" {
		t.Errorf("mapped specimen.barcode = %q", v)
	}
	if v, _ := j.Payload.GetString("order.code"); v != "GLU" {
		t.Errorf("mapped order.code = %q", v)
	}
}

func TestEveryTransitionIsAudited(t *testing.T) {
	ep := restOutbound()
	ep.RetryStrategy = endpoint.RetryFixed
	ep.RetryIntervalMin = 10
	ep.RetryLimit = 1
	ep.DeadLetterEnabled = true
	f := newFixture(t, ep)
	f.dispatcher.failN = 1000
	ctx := context.Background()

	j, _ := f.engine.EnqueueOutbound(ctx, "his-main", job.TypeResult, "REQ-12", 1, canonical.Payload{})
	for i := 0; i < 2; i++ {
		if _, err := f.engine.ProcessPending(ctx, 10); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		f.clock.Advance(11 * time.Minute)
	}

	entries, _ := f.audits.ListByJob(ctx, j.ID)
	wantActions := []audit.Action{audit.ActionEnqueue, audit.ActionRetry, audit.ActionDeadLetter}
	if len(entries) != len(wantActions) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(wantActions))
	}
	for i, want := range wantActions {
		if entries[i].Action != want {
			t.Errorf("entry %d action = %s, want %s", i, entries[i].Action, want)
		}
	}
	if entries[len(entries)-1].ResultState != string(job.StateDeadLetter) {
		t.Errorf("final audit state = %s", entries[len(entries)-1].ResultState)
	}
}
