package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hireline/internal/config"
	"hireline/internal/db"
	"hireline/internal/domain"
	"hireline/internal/engine"
	"hireline/internal/extract"
	"hireline/internal/extract/rules"
	"hireline/internal/migrate"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *recordingSender) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, text)
	return nil
}

type testEnv struct {
	Engine engine.Engine
	Sender *recordingSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, rules.New())
}

func newTestEnvWith(t *testing.T, extractor extract.Extractor) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sender := &recordingSender{}
	eng := engine.New(conn, config.Default(), extractor, sender, nil)
	eng.Now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Sender: sender, Ctx: context.Background()}
}

func (env testEnv) say(t *testing.T, channel, text string) engine.Result {
	t.Helper()
	res, err := env.Engine.HandleMessage(env.Ctx, engine.Inbound{
		ChannelIdentity: channel,
		Kind:            domain.KindText,
		Text:            text,
	})
	if err != nil {
		t.Fatalf("handle message %q: %v", text, err)
	}
	return res
}

func (env testEnv) app(t *testing.T, channel string) domain.Application {
	t.Helper()
	a, err := env.Engine.Repo.GetApplicationByChannel(env.Ctx, channel)
	if err != nil {
		t.Fatalf("load application: %v", err)
	}
	return a
}

// drives a fresh application to request_form
func (env testEnv) toRequestForm(t *testing.T, channel string) domain.Application {
	t.Helper()
	env.say(t, channel, "Hi, I want to apply for the job")
	env.say(t, channel, "I can commit for 1 year")
	if _, err := env.Engine.HandleMessage(env.Ctx, engine.Inbound{
		ChannelIdentity: channel,
		Kind:            domain.KindDocument,
		MediaReference:  "resume.pdf",
	}); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	a := env.app(t, channel)
	if a.CurrentStep != domain.StepRequestForm {
		t.Fatalf("expected request_form, got %s", a.CurrentStep)
	}
	return a
}

func TestHappyPathToCompleted(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1001"

	res := env.say(t, ch, "Hi, I want to apply for the job")
	if res.Step != domain.StepCommitmentCheck {
		t.Fatalf("clear intent should reach commitment_check, got %s", res.Step)
	}

	env.say(t, ch, "I can commit for 1 year")
	a := env.app(t, ch)
	if a.CurrentStep != domain.StepRequestResume {
		t.Fatalf("expected request_resume, got %s", a.CurrentStep)
	}
	if a.Field("commitment_months") != "12" {
		t.Fatalf("commitment_months = %q, want 12", a.Field("commitment_months"))
	}

	if _, err := env.Engine.HandleMessage(env.Ctx, engine.Inbound{
		ChannelIdentity: ch, Kind: domain.KindDocument, MediaReference: "resume.pdf",
	}); err != nil {
		t.Fatal(err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepRequestForm || a.Field("resume_reference") != "resume.pdf" {
		t.Fatalf("resume not recorded: step=%s ref=%q", a.CurrentStep, a.Field("resume_reference"))
	}

	// "done" before the form event arrives: stays put, remembers the claim.
	env.say(t, ch, "done")
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepRequestForm || a.Field("form_acknowledged") != "true" {
		t.Fatalf("form claim not recorded: step=%s ack=%q", a.CurrentStep, a.Field("form_acknowledged"))
	}

	outcome, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: a.ID,
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("form webhook: outcome=%s err=%v", outcome, err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepWaitingReview || a.Status != "form_received_pending_review" {
		t.Fatalf("dual confirmation should reach waiting_review, got %s/%s", a.CurrentStep, a.Status)
	}

	outcome, err = env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventApplicationReview, ApplicationID: a.ID, Decision: "approved",
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("review webhook: outcome=%s err=%v", outcome, err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepInterviewDetails || a.Status != "approved_pending_details" {
		t.Fatalf("approval should reach request_interview_details, got %s/%s", a.CurrentStep, a.Status)
	}

	env.say(t, ch, "My name is Jane Tan")
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepInterviewDetails || a.Field("full_name") != "Jane Tan" {
		t.Fatalf("partial details: step=%s name=%q", a.CurrentStep, a.Field("full_name"))
	}
	if a.Attempts != 0 {
		t.Fatalf("partial progress must not count an attempt, got %d", a.Attempts)
	}

	res = env.say(t, ch, "S1234567A")
	if res.Step != domain.StepWaitingBooking {
		t.Fatalf("full details should reach waiting_booking_webhook, got %s", res.Step)
	}
	if !strings.Contains(res.Reply, a.ID) {
		t.Fatalf("booking reply should carry the scheduling link with the application id: %q", res.Reply)
	}

	outcome, err = env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType:     domain.EventInterviewBooked,
		ApplicationID: a.ID,
		InterviewDate: "2026-09-10T10:00:00Z",
		BookingCode:   "BK-1",
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("booking webhook: outcome=%s err=%v", outcome, err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepConfirmation || a.Field("booking_code") != "BK-1" {
		t.Fatalf("booking not applied: step=%s code=%q", a.CurrentStep, a.Field("booking_code"))
	}

	res = env.say(t, ch, "See you there!")
	if res.Step != domain.StepCompleted {
		t.Fatalf("confirmation reply should complete, got %s", res.Step)
	}
	a = env.app(t, ch)
	if a.Status != "interview_scheduled_finalized" {
		t.Fatalf("status = %q", a.Status)
	}
}

func TestFormEventBeforeUserAck(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1002"
	a := env.toRequestForm(t, ch)

	outcome, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: a.ID,
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("form webhook: outcome=%s err=%v", outcome, err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepWaitingFormWebhook {
		t.Fatalf("event without ack should park at waiting_form_webhook, got %s", a.CurrentStep)
	}

	// A non-keyword message only reminds.
	env.say(t, ch, "how long does this take?")
	if got := env.app(t, ch).CurrentStep; got != domain.StepWaitingFormWebhook {
		t.Fatalf("reminder must not advance, got %s", got)
	}

	res := env.say(t, ch, "submitted")
	if res.Step != domain.StepWaitingReview {
		t.Fatalf("keyword should close the gate, got %s", res.Step)
	}
}

func TestDuplicateAndOutOfOrderWebhooks(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1003"
	a := env.toRequestForm(t, ch)
	env.say(t, ch, "done")

	in := engine.WebhookInput{EventType: domain.EventFormSubmitted, ApplicationID: a.ID, IdempotencyKey: "evt-1"}
	if outcome, err := env.Engine.HandleWebhook(env.Ctx, in); err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("first delivery: outcome=%s err=%v", outcome, err)
	}
	versionAfter := env.app(t, ch).Version

	// Redelivery with the same key is a no-op.
	outcome, err := env.Engine.HandleWebhook(env.Ctx, in)
	if err != nil || outcome != engine.OutcomeDuplicate {
		t.Fatalf("redelivery: outcome=%s err=%v", outcome, err)
	}
	if got := env.app(t, ch).Version; got != versionAfter {
		t.Fatalf("duplicate changed version: %d -> %d", versionAfter, got)
	}

	// A second distinct form event arrives after the step moved on.
	outcome, err = env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: a.ID, IdempotencyKey: "evt-2",
	})
	if err != nil || outcome != engine.OutcomeIgnored {
		t.Fatalf("out-of-order: outcome=%s err=%v", outcome, err)
	}
	if got := env.app(t, ch).CurrentStep; got != domain.StepWaitingReview {
		t.Fatalf("ignored event changed step to %s", got)
	}

	// Booking before waiting_booking_webhook is also recorded as a no-op.
	outcome, err = env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventInterviewBooked, ApplicationID: a.ID,
		InterviewDate: "2026-09-10T10:00:00Z",
	})
	if err != nil || outcome != engine.OutcomeIgnored {
		t.Fatalf("early booking: outcome=%s err=%v", outcome, err)
	}
}

func TestReviewRejection(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1004"
	a := env.toRequestForm(t, ch)
	env.say(t, ch, "done")
	if _, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: a.ID,
	}); err != nil {
		t.Fatal(err)
	}

	outcome, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventApplicationReview, ApplicationID: a.ID,
		Decision: "rejected", Reason: "experience_mismatch",
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("rejection webhook: outcome=%s err=%v", outcome, err)
	}
	a = env.app(t, ch)
	if a.CurrentStep != domain.StepRejected || a.Field("rejection_reason") != "experience_mismatch" {
		t.Fatalf("rejection not applied: step=%s reason=%q", a.CurrentStep, a.Field("rejection_reason"))
	}
}

func TestCommitmentBoundRejects(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1005"
	env.say(t, ch, "I want to apply")

	// Two weeks normalizes to zero months; below minimum but counted.
	env.say(t, ch, "2 weeks")
	if got := env.app(t, ch).Attempts; got != 1 {
		t.Fatalf("attempts after first insufficient answer = %d, want 1", got)
	}
	env.say(t, ch, "maybe, not sure")
	if got := env.app(t, ch); got.Attempts != 2 || got.CurrentStep != domain.StepCommitmentCheck {
		t.Fatalf("second re-prompt: attempts=%d step=%s", got.Attempts, got.CurrentStep)
	}

	res := env.say(t, ch, "a few days here and there")
	if res.Step != domain.StepRejected {
		t.Fatalf("third failure should reject, got %s", res.Step)
	}
	a := env.app(t, ch)
	if a.Status != "rejected" || a.Field("rejection_reason") != "insufficient_commitment" {
		t.Fatalf("rejection record: status=%s reason=%q", a.Status, a.Field("rejection_reason"))
	}
	if a.Attempts != 0 {
		t.Fatalf("terminal transition should reset attempts, got %d", a.Attempts)
	}
}

func TestResumeBoundAbandons(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1006"
	env.say(t, ch, "I want to apply")
	env.say(t, ch, "6 months")
	if got := env.app(t, ch).CurrentStep; got != domain.StepRequestResume {
		t.Fatalf("setup: %s", got)
	}

	// Guidance request neither advances nor counts.
	env.say(t, ch, "I don't have a resume")
	if got := env.app(t, ch).Attempts; got != 0 {
		t.Fatalf("guidance counted an attempt: %d", got)
	}

	for i := 0; i < 4; i++ {
		env.say(t, ch, "ok")
	}
	a := env.app(t, ch)
	if a.CurrentStep != domain.StepRequestResume || a.Attempts != 4 {
		t.Fatalf("fourth failure must not abandon: step=%s attempts=%d", a.CurrentStep, a.Attempts)
	}

	res := env.say(t, ch, "ok")
	if res.Step != domain.StepAbandoned {
		t.Fatalf("fifth failure should abandon, got %s", res.Step)
	}
	if got := env.app(t, ch).Status; got != "abandoned" {
		t.Fatalf("status = %q", got)
	}
}

func TestUnclearIntentReprompts(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1007"

	res := env.say(t, ch, "hello?")
	if res.Step != domain.StepConfirmIntent {
		t.Fatalf("first contact should move to confirm_intent, got %s", res.Step)
	}
	env.say(t, ch, "what is this")
	env.say(t, ch, "who are you")
	a := env.app(t, ch)
	if a.CurrentStep != domain.StepConfirmIntent {
		t.Fatalf("unclear intent must re-prompt in place, got %s", a.CurrentStep)
	}

	res = env.say(t, ch, "oh, I'm interested in the position")
	if res.Step != domain.StepCommitmentCheck {
		t.Fatalf("confirmed intent should advance, got %s", res.Step)
	}
	if got := env.app(t, ch).Attempts; got != 0 {
		t.Fatalf("advance must reset attempts, got %d", got)
	}
}

func TestTerminalStepsStayPut(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1008"
	env.say(t, ch, "apply")
	env.say(t, ch, "2 weeks")
	env.say(t, ch, "no idea")
	env.say(t, ch, "whatever")
	a := env.app(t, ch)
	if a.CurrentStep != domain.StepRejected {
		t.Fatalf("setup: %s", a.CurrentStep)
	}
	version := a.Version

	res := env.say(t, ch, "please reconsider")
	if res.Step != domain.StepRejected || res.Reply == "" {
		t.Fatalf("terminal message should ack in place, got step=%s reply=%q", res.Step, res.Reply)
	}
	a = env.app(t, ch)
	if a.Version != version {
		t.Fatalf("terminal message mutated the application: version %d -> %d", version, a.Version)
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Direction != "outbound" {
		t.Fatalf("terminal exchange should still be logged, last=%+v", last)
	}
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1009"
	a := env.toRequestForm(t, ch)

	cases := []engine.WebhookInput{
		{EventType: domain.EventFormSubmitted},
		{EventType: "unknown_event", ApplicationID: a.ID},
		{EventType: domain.EventApplicationReview, ApplicationID: a.ID, Decision: "maybe"},
		{EventType: domain.EventInterviewBooked, ApplicationID: a.ID, InterviewDate: "next tuesday"},
	}
	for _, in := range cases {
		_, err := env.Engine.HandleWebhook(env.Ctx, in)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("input %+v: expected validation error, got %v", in, err)
		}
	}

	_, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: "no-such-app",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown application: expected validation error, got %v", err)
	}
	recorded, err := env.Engine.Repo.HasWebhookEvent(env.Ctx, "no-such-app", domain.EventFormSubmitted)
	if err != nil || recorded {
		t.Fatalf("rejected event must leave no row behind: recorded=%v err=%v", recorded, err)
	}
}

func TestRepliesArePersistedBeforeSend(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:1010"
	env.say(t, ch, "I want to apply")
	a := env.app(t, ch)

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	var inbound, outbound int
	for _, m := range msgs {
		switch m.Direction {
		case "inbound":
			inbound++
		case "outbound":
			outbound++
		}
	}
	if inbound != 1 || outbound != 1 {
		t.Fatalf("message log: inbound=%d outbound=%d", inbound, outbound)
	}
	env.Sender.mu.Lock()
	defer env.Sender.mu.Unlock()
	if len(env.Sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(env.Sender.sends))
	}
}

// hookedExtractor runs a one-shot callback before delegating the commitment
// call, so a test can interleave a competing write mid-transition.
type hookedExtractor struct {
	rules.Extractor
	mu       sync.Mutex
	onCommit func()
}

func (h *hookedExtractor) CheckCommitment(ctx context.Context, in extract.Input) (extract.CommitmentResult, error) {
	h.mu.Lock()
	fn := h.onCommit
	h.onCommit = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Extractor.CheckCommitment(ctx, in)
}

func TestConflictingWriterForcesRetry(t *testing.T) {
	hooked := &hookedExtractor{Extractor: rules.New()}
	env := newTestEnvWith(t, hooked)
	const ch = "tg:2001"

	env.say(t, ch, "I want to apply")
	before := env.app(t, ch)

	// Between the engine's read and its write, another writer bumps the
	// row. The first compare-and-swap must lose and the transition must be
	// recomputed against the fresh state.
	hooked.onCommit = func() {
		current := env.app(t, ch)
		current.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		tx, err := env.Engine.DB.Begin()
		if err != nil {
			t.Fatalf("begin competing tx: %v", err)
		}
		if err := env.Engine.Repo.CompareAndSwapApplication(env.Ctx, tx, current, current.Version); err != nil {
			t.Fatalf("competing swap: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit competing tx: %v", err)
		}
	}

	res := env.say(t, ch, "6 months")
	if res.Step != domain.StepRequestResume {
		t.Fatalf("retried transition should still advance, got %s", res.Step)
	}
	after := env.app(t, ch)
	if after.Version != before.Version+2 {
		t.Fatalf("both writers must land exactly once: version %d -> %d", before.Version, after.Version)
	}
	if after.Field("commitment_months") != "6" {
		t.Fatalf("recomputed transition lost fields: %+v", after.Fields)
	}
}

type failingResumeExtractor struct {
	rules.Extractor
}

func (failingResumeExtractor) ClassifyResume(context.Context, extract.Input) (extract.ResumeResult, error) {
	return extract.ResumeResult{}, &extract.Failure{Err: errors.New("classifier unavailable")}
}

func TestExtractionFailureCountsTowardBound(t *testing.T) {
	env := newTestEnvWith(t, failingResumeExtractor{Extractor: rules.New()})
	const ch = "tg:2002"
	env.say(t, ch, "I want to apply")
	env.say(t, ch, "6 months")

	res := env.say(t, ch, "attached is my resume")
	if !strings.Contains(res.Reply, "trouble processing") {
		t.Fatalf("failed extraction should fall back to a re-prompt, got %q", res.Reply)
	}
	a := env.app(t, ch)
	if a.CurrentStep != domain.StepRequestResume || a.Attempts != 1 {
		t.Fatalf("failed extraction must count without advancing: step=%s attempts=%d", a.CurrentStep, a.Attempts)
	}

	for i := 0; i < 3; i++ {
		env.say(t, ch, "trying again")
	}
	if got := env.app(t, ch).Attempts; got != 4 {
		t.Fatalf("attempts after four failures = %d", got)
	}
	res = env.say(t, ch, "once more")
	if res.Step != domain.StepAbandoned {
		t.Fatalf("fifth failed extraction should abandon, got %s", res.Step)
	}
}

type deadlineCheckExtractor struct {
	rules.Extractor
	sawDeadline bool
}

func (d *deadlineCheckExtractor) ConfirmIntent(ctx context.Context, in extract.Input) (extract.IntentResult, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.Extractor.ConfirmIntent(ctx, in)
}

func TestExtractorCallsAreDeadlineBounded(t *testing.T) {
	ex := &deadlineCheckExtractor{Extractor: rules.New()}
	env := newTestEnvWith(t, ex)
	env.say(t, "tg:2003", "hello")
	if !ex.sawDeadline {
		t.Fatal("extractor calls must carry the configured latency budget")
	}
}

func TestCrashReplayReappliesAndAudits(t *testing.T) {
	env := newTestEnv(t)
	const ch = "tg:2004"
	a := env.toRequestForm(t, ch)
	env.say(t, ch, "done")

	// A delivery that recorded the event row but stopped before applying
	// the transition.
	if _, err := env.Engine.Repo.InsertWebhookEvent(env.Ctx, nil, domain.WebhookEvent{
		ApplicationID: a.ID,
		EventType:     domain.EventFormSubmitted,
		DedupKey:      a.ID + ":form_submitted",
		Payload:       "{}",
		ReceivedAt:    "2026-08-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed event row: %v", err)
	}

	outcome, err := env.Engine.HandleWebhook(env.Ctx, engine.WebhookInput{
		EventType: domain.EventFormSubmitted, ApplicationID: a.ID,
	})
	if err != nil || outcome != engine.OutcomeApplied {
		t.Fatalf("replay: outcome=%s err=%v", outcome, err)
	}
	if got := env.app(t, ch).CurrentStep; got != domain.StepWaitingReview {
		t.Fatalf("replayed event must still apply, got %s", got)
	}

	audit, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	var received int
	for _, e := range audit {
		if e.Type == "webhook.received" {
			received++
		}
	}
	if received != 1 {
		t.Fatalf("replayed delivery must leave an audit record, got %d webhook.received events", received)
	}
}
