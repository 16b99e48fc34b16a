// Package pipeline runs one case from intake to a terminal state:
//
//	normalize -> create (pending) -> compose -> generate -> validate -> complete | markFailed
//
// and serves the case read endpoints through the access gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/prompt"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/domain/validation"
	"github.com/mediassist/mediassist/internal/platform/events"
	"github.com/mediassist/mediassist/internal/platform/llm"
)

// IntakeError rejects a submission before any case is created.
type IntakeError = intake.Error

// ErrStoreUnavailable is the only error that is fatal to a submission: the
// case outcome could not be made durable.
var ErrStoreUnavailable = casefile.ErrStoreUnavailable

// Generator is the generation client. *llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
	Provider() string
	Model() string
}

// RecipientChecker confirms a requested recipient exists.
// *principal.Service satisfies it.
type RecipientChecker interface {
	IsRecipient(ctx context.Context, id uuid.UUID) (bool, error)
}

type Config struct {
	// MaxConcurrency bounds in-flight generations.
	MaxConcurrency int64
	// AcquireTimeout is how long a case waits for a generation slot before
	// it fails as unavailable.
	AcquireTimeout time.Duration
	// StoreTimeout bounds each terminal store write.
	StoreTimeout time.Duration
	// LogSnippets adds the first 50 runes of the symptoms to the inference
	// log line.
	LogSnippets bool
}

const snippetRunes = 50

// Outcome is the terminal state of one submission.
type Outcome struct {
	Case *casefile.Case
}

type Orchestrator struct {
	store      casefile.Store
	gen        Generator
	recipients RecipientChecker
	publisher  events.Publisher
	sem        *semaphore.Weighted
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

func New(store casefile.Store, gen Generator, recipients RecipientChecker, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 15 * time.Second
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Orchestrator{
		store:      store,
		gen:        gen,
		recipients: recipients,
		publisher:  publisher,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Submit validates the submission, creates a pending case and drives it to
// completed or failed. A failed case is a normal Outcome, not an error.
// Errors are *IntakeError, ErrStoreUnavailable, or ctx.Err() when the caller
// gave up; in the last case processing still runs to a terminal state.
func (o *Orchestrator) Submit(ctx context.Context, submitterID uuid.UUID, sub intake.Submission) (*Outcome, error) {
	in, err := intake.Normalize(sub)
	if err != nil {
		return nil, err
	}

	if in.RecipientID != nil {
		ok, err := o.recipients.IsRecipient(ctx, *in.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("check recipient: %w: %w", ErrStoreUnavailable, err)
		}
		if !ok {
			return nil, &IntakeError{Field: "recipient_id", Reason: "is not a known recipient"}
		}
	}

	id, err := o.store.Create(ctx, in, submitterID)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", wrapStore(err))
	}

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	detached := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out, err := o.process(detached, id, submitterID, in)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		o.logger.Warn().Str("case_id", id.String()).Msg("submitter disconnected; case processing continues")
		return nil, ctx.Err()
	}
}

// Wait blocks until every case started by Submit has reached a terminal
// state or given up on the store.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) process(ctx context.Context, id, submitterID uuid.UUID, in intake.Intake) (*Outcome, error) {
	start := o.now()
	prov := casefile.Provenance{Provider: o.gen.Provider(), Model: o.gen.Model()}

	record, failure := o.generate(ctx, in, &prov)
	prov.LatencyMS = o.now().Sub(start).Milliseconds()

	c := &casefile.Case{
		ID:          id,
		SubmitterID: submitterID,
		CreatedAt:   start,
		Intake:      in,
		Provenance:  prov,
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	var err error
	if failure != nil {
		failure.Provenance = prov
		err = o.store.MarkFailed(wctx, id, *failure)
		c.Status = casefile.StatusFailed
		c.FailureKind = failure.Kind
		c.FailureDetail = failure.Detail
	} else {
		err = o.store.Complete(wctx, id, casefile.Completion{
			Record:      *record,
			RecipientID: in.RecipientID,
			Provenance:  prov,
		})
		c.Status = casefile.StatusCompleted
		c.Record = record
		c.RecipientID = in.RecipientID
	}

	o.logInference(c)
	if err != nil {
		o.logger.Error().Err(err).Str("case_id", id.String()).Str("status", string(c.Status)).
			Msg("case outcome not persisted")
		return nil, fmt.Errorf("finalize case %s: %w", id, wrapStore(err))
	}
	o.publish(ctx, c)
	return &Outcome{Case: c}, nil
}

// generate returns a validated record, or the failure to record. It fills
// in the prompt digest and attempt count on prov as they become known.
func (o *Orchestrator) generate(ctx context.Context, in intake.Intake, prov *casefile.Provenance) (*schema.Record, *casefile.Failure) {
	payload, err := prompt.Compose(in)
	if err != nil {
		return nil, &casefile.Failure{Kind: casefile.FailureUnavailable, Detail: err.Error()}
	}
	prov.PromptDigest = payload.Digest()

	actx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	err = o.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		return nil, &casefile.Failure{Kind: casefile.FailureUnavailable, Detail: "no generation slot within " + o.cfg.AcquireTimeout.String()}
	}
	resp, err := o.gen.Generate(ctx, llm.Request{System: payload.System, User: payload.User})
	o.sem.Release(1)

	if err != nil {
		var gf *llm.GenerationFailure
		if !errors.As(err, &gf) {
			return nil, &casefile.Failure{Kind: casefile.FailureUnavailable, Detail: err.Error()}
		}
		prov.Attempts = gf.Attempts
		kind := casefile.FailureUnavailable
		if gf.Kind == llm.Rejected {
			kind = casefile.FailureRejected
		}
		return nil, &casefile.Failure{Kind: kind, Detail: gf.Error()}
	}
	prov.Provider, prov.Model, prov.Attempts = resp.Provider, resp.Model, resp.Attempts

	res, err := validation.Validate(resp.Text)
	if err != nil {
		return nil, &casefile.Failure{Kind: casefile.FailureSchemaMismatch, Detail: err.Error()}
	}
	if res.Record.PatientView.Language != in.Language {
		return nil, &casefile.Failure{
			Kind:   casefile.FailureSchemaMismatch,
			Detail: fmt.Sprintf("patient_view.language is %q, requested %q", res.Record.PatientView.Language, in.Language),
		}
	}
	return &res.Record, nil
}

func (o *Orchestrator) logInference(c *casefile.Case) {
	outcome := string(c.Status)
	if c.FailureKind != "" {
		outcome = string(c.FailureKind)
	}
	evt := o.logger.Info()
	if c.Status == casefile.StatusFailed {
		evt = o.logger.Warn().Str("detail", c.FailureDetail)
	}
	if o.cfg.LogSnippets {
		evt = evt.Str("symptoms_snippet", snippet(c.Intake.Symptoms, snippetRunes))
	}
	evt.
		Str("case_id", c.ID.String()).
		Str("provider", c.Provenance.Provider).
		Str("model", c.Provenance.Model).
		Int64("latency_ms", c.Provenance.LatencyMS).
		Int("attempts", c.Provenance.Attempts).
		Str("outcome", outcome).
		Msg("inference")
}

func (o *Orchestrator) publish(ctx context.Context, c *casefile.Case) {
	ev := events.CaseEvent{
		Type:        events.TypeCaseFinalized,
		CaseID:      c.ID.String(),
		Status:      string(c.Status),
		FailureKind: string(c.FailureKind),
		OccurredAt:  o.now().UTC(),
	}
	if c.RecipientID != nil {
		ev.RecipientID = c.RecipientID.String()
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("case_id", ev.CaseID).Msg("publish case event")
	}
}

func wrapStore(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
