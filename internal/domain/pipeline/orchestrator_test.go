package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/platform/llm"
)

func janeSubmission() intake.Submission {
	return intake.Submission{Name: "Jane", Symptoms: "cough, sore throat", Language: "en", Consent: "true"}
}

func newOrchestrator(f *fixture, gen Generator, pub *capturePublisher) *Orchestrator {
	if pub == nil {
		pub = &capturePublisher{}
	}
	return New(f.store, gen, f, pub, Config{StoreTimeout: 5 * time.Second}, zerolog.Nop())
}

func auditStatuses(t *testing.T, store casefile.Store, id uuid.UUID) string {
	t.Helper()
	entries, err := store.AuditTrail(context.Background(), id)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	var parts []string
	for _, e := range entries {
		parts = append(parts, string(e.OldStatus)+">"+string(e.NewStatus))
	}
	return strings.Join(parts, ",")
}

func TestSubmit_Completes(t *testing.T) {
	f := newFixture(t)
	pub := &capturePublisher{}
	o := newOrchestrator(f, &fakeGenerator{text: recordJSON(t, schema.English)}, pub)

	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Case.Status != casefile.StatusCompleted || out.Case.Record == nil {
		t.Fatalf("expected completed case with record, got %+v", out.Case)
	}

	stored, err := f.store.Get(context.Background(), out.Case.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != casefile.StatusCompleted || stored.Record == nil {
		t.Errorf("stored case not completed: %+v", stored)
	}
	if stored.Intake.Name != "Jane" || stored.Intake.Allergies != intake.None {
		t.Errorf("intake not retained as normalized: %+v", stored.Intake)
	}
	if stored.Provenance.Provider != "fake" || stored.Provenance.PromptDigest == "" || stored.Provenance.Attempts != 1 {
		t.Errorf("provenance not recorded: %+v", stored.Provenance)
	}
	if got := auditStatuses(t, f.store, out.Case.ID); got != ">pending,pending>completed" {
		t.Errorf("audit trail: %s", got)
	}

	evs := pub.all()
	if len(evs) != 1 || evs[0].CaseID != out.Case.ID.String() || evs[0].Status != "completed" {
		t.Errorf("expected one completed event, got %+v", evs)
	}
}

func TestSubmit_AssignsRecipient(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(f, &fakeGenerator{text: recordJSON(t, schema.English)}, nil)

	sub := janeSubmission()
	sub.RecipientID = f.doctorA.String()
	out, err := o.Submit(context.Background(), f.submitter, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cases, total, err := f.store.ListFor(context.Background(), f.doctorA, principal.RoleRecipient, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || cases[0].ID != out.Case.ID {
		t.Errorf("expected case assigned to recipient, got %d", total)
	}
}

func TestSubmit_SchemaMismatch(t *testing.T) {
	f := newFixture(t)

	var m map[string]any
	json.Unmarshal([]byte(recordJSON(t, schema.English)), &m)
	delete(m["doctor_view"].(map[string]any), "plan")
	b, _ := json.Marshal(m)
	prose := "Sure! Here is the assessment you asked for:\n" + string(b) + "\nLet me know if you need more."

	pub := &capturePublisher{}
	o := newOrchestrator(f, &fakeGenerator{text: prose}, pub)
	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	if err != nil {
		t.Fatalf("a failed case is not a submit error: %v", err)
	}
	if out.Case.Status != casefile.StatusFailed || out.Case.FailureKind != casefile.FailureSchemaMismatch {
		t.Fatalf("expected SchemaMismatch, got %s/%s", out.Case.Status, out.Case.FailureKind)
	}

	stored, _ := f.store.Get(context.Background(), out.Case.ID)
	if stored.Record != nil {
		t.Error("no record may be stored for a failed case")
	}
	if stored.FailureDetail == "" {
		t.Error("expected failure detail for the audit trail")
	}
	if got := auditStatuses(t, f.store, out.Case.ID); got != ">pending,pending>failed" {
		t.Errorf("audit trail: %s", got)
	}
	if evs := pub.all(); len(evs) != 1 || evs[0].FailureKind != string(casefile.FailureSchemaMismatch) {
		t.Errorf("unexpected events: %+v", evs)
	}
}

func TestSubmit_LanguageMismatch(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(f, &fakeGenerator{text: recordJSON(t, schema.English)}, nil)

	sub := janeSubmission()
	sub.Language = "Spanish"
	out, err := o.Submit(context.Background(), f.submitter, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Case.FailureKind != casefile.FailureSchemaMismatch {
		t.Errorf("expected SchemaMismatch for wrong patient language, got %s", out.Case.FailureKind)
	}
}

type hangingProvider struct{}

func (hangingProvider) Name() string  { return "hang" }
func (hangingProvider) Model() string { return "hang-1" }

func (hangingProvider) Generate(ctx context.Context, _ llm.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSubmit_TimeoutEveryAttempt(t *testing.T) {
	f := newFixture(t)
	client := llm.NewClient(hangingProvider{}, llm.Config{
		Timeout:     40 * time.Millisecond,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	o := newOrchestrator(f, client, nil)

	start := time.Now()
	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Case.Status != casefile.StatusFailed || out.Case.FailureKind != casefile.FailureUnavailable {
		t.Fatalf("expected GenerationUnavailable, got %s/%s", out.Case.Status, out.Case.FailureKind)
	}
	if a := out.Case.Provenance.Attempts; a < 1 || a > 3 {
		t.Errorf("attempts %d outside 1..3", a)
	}
	if limit := client.Budget() + 500*time.Millisecond; elapsed > limit {
		t.Errorf("took %s, budget %s", elapsed, client.Budget())
	}
}

func TestSubmit_Rejected(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{err: &llm.GenerationFailure{Kind: llm.Rejected, Attempts: 1, Err: llm.ErrPolicyRejected}}
	o := newOrchestrator(f, gen, nil)

	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Case.FailureKind != casefile.FailureRejected {
		t.Errorf("expected GenerationRejected, got %s", out.Case.FailureKind)
	}
}

func TestSubmit_IntakeRejectedBeforeCreate(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{text: recordJSON(t, schema.English)}
	o := newOrchestrator(f, gen, nil)

	noConsent := janeSubmission()
	noConsent.Consent = ""
	unknownRecipient := janeSubmission()
	unknownRecipient.RecipientID = uuid.NewString()

	for name, sub := range map[string]intake.Submission{"no consent": noConsent, "unknown recipient": unknownRecipient} {
		t.Run(name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), f.submitter, sub)
			var ie *IntakeError
			if !errors.As(err, &ie) {
				t.Fatalf("expected *IntakeError, got %v", err)
			}
		})
	}

	_, total, _ := f.store.ListFor(context.Background(), f.submitter, principal.RoleSubmitter, 10, 0)
	if total != 0 || gen.calls != 0 {
		t.Errorf("rejected intake created %d cases and made %d calls", total, gen.calls)
	}
}

type failingCompleteStore struct {
	casefile.Store
}

func (failingCompleteStore) Complete(context.Context, uuid.UUID, casefile.Completion) error {
	return fmt.Errorf("complete case: %w: disk I/O error", casefile.ErrStoreUnavailable)
}

func TestSubmit_StoreUnavailableIsFatal(t *testing.T) {
	f := newFixture(t)
	pub := &capturePublisher{}
	o := New(failingCompleteStore{f.store}, &fakeGenerator{text: recordJSON(t, schema.English)}, f, pub, Config{}, zerolog.Nop())

	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if out != nil {
		t.Error("no outcome may be reported when it was not persisted")
	}
	if len(pub.all()) != 0 {
		t.Error("no event may be published for an unpersisted outcome")
	}
}

func TestSubmit_CallerGoneProcessingContinues(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{text: recordJSON(t, schema.English), gate: make(chan struct{})}
	o := newOrchestrator(f, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(ctx, f.submitter, janeSubmission())
		done <- err
	}()

	waitFor(t, func() bool { gen.mu.Lock(); defer gen.mu.Unlock(); return gen.calls == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(gen.gate)
	o.Wait()

	cases, _, err := f.store.ListFor(context.Background(), f.submitter, principal.RoleSubmitter, 10, 0)
	if err != nil || len(cases) != 1 {
		t.Fatalf("list: %v (%d cases)", err, len(cases))
	}
	if cases[0].Status != casefile.StatusCompleted {
		t.Errorf("expected case to complete after the caller left, got %s", cases[0].Status)
	}
}

func TestSubmit_NoGenerationSlot(t *testing.T) {
	f := newFixture(t)
	gen := &fakeGenerator{text: recordJSON(t, schema.English), gate: make(chan struct{})}
	o := New(f.store, gen, f, nil, Config{MaxConcurrency: 1, AcquireTimeout: 30 * time.Millisecond}, zerolog.Nop())

	first := make(chan *Outcome, 1)
	go func() {
		out, _ := o.Submit(context.Background(), f.submitter, janeSubmission())
		first <- out
	}()
	waitFor(t, func() bool { gen.mu.Lock(); defer gen.mu.Unlock(); return gen.calls == 1 })

	out, err := o.Submit(context.Background(), f.submitter, janeSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Case.FailureKind != casefile.FailureUnavailable {
		t.Errorf("expected GenerationUnavailable while saturated, got %s", out.Case.FailureKind)
	}

	close(gen.gate)
	if out := <-first; out == nil || out.Case.Status != casefile.StatusCompleted {
		t.Errorf("first case should complete once released")
	}
	o.Wait()
}

func TestSubmit_InferenceLog(t *testing.T) {
	for _, snippets := range []bool{false, true} {
		t.Run(fmt.Sprintf("snippets=%v", snippets), func(t *testing.T) {
			f := newFixture(t)
			var buf bytes.Buffer
			o := New(f.store, &fakeGenerator{text: recordJSON(t, schema.English)}, f, nil,
				Config{LogSnippets: snippets}, zerolog.New(&buf))

			if _, err := o.Submit(context.Background(), f.submitter, janeSubmission()); err != nil {
				t.Fatalf("submit: %v", err)
			}

			var line map[string]any
			for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var m map[string]any
				if json.Unmarshal([]byte(raw), &m) == nil && m["message"] == "inference" {
					line = m
				}
			}
			if line == nil {
				t.Fatalf("no inference line in %s", buf.String())
			}
			if line["outcome"] != "completed" || line["provider"] != "fake" || line["case_id"] == "" {
				t.Errorf("unexpected inference line: %v", line)
			}
			_, hasSnippet := line["symptoms_snippet"]
			if hasSnippet != snippets {
				t.Errorf("symptoms_snippet present=%v, want %v", hasSnippet, snippets)
			}
			if !snippets && strings.Contains(buf.String(), "sore throat") {
				t.Error("symptoms leaked into logs")
			}
		})
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("héllo wörld", 5); got != "héllo" {
		t.Errorf("got %q", got)
	}
	if got := snippet("short", 50); got != "short" {
		t.Errorf("got %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
