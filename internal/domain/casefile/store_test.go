package casefile

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/platform/db"
	"github.com/mediassist/mediassist/migrations"
)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *tickClock {
	return &tickClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if _, err := db.NewMigrator(db.NewSQLDriver(sqlDB), migrations.SQLite()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlDB
}

func addPrincipal(t *testing.T, sqlDB *sql.DB, role principal.Role) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := sqlDB.Exec(`INSERT INTO principals (id, username, role, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, 'x', 0)`, id.String(), "u-"+id.String()[:8], string(role), "Test "+string(role))
	if err != nil {
		t.Fatalf("insert principal: %v", err)
	}
	return id
}

func sampleIntake(name string) intake.Intake {
	return intake.Intake{
		Name:               name,
		Age:                "34",
		Symptoms:           "cough, sore throat",
		Allergies:          intake.None,
		CurrentMedications: intake.None,
		MedicalHistory:     intake.None,
		Language:           schema.English,
		Consent:            true,
	}
}

func sampleRecord() schema.Record {
	return schema.Record{
		PatientView: schema.PatientView{
			Language:        schema.English,
			Summary:         "Likely a common cold.",
			Pathophysiology: "A virus irritates your airways.",
			CarePlan:        []string{"Rest"},
			RedFlags:        []string{},
		},
		DoctorView: schema.DoctorView{
			Subjective: "Cough 3 days.",
			Objective:  "Afebrile.",
			Assessment: "Viral URI.",
			Plan:       "Supportive care.",
		},
		Safety:  schema.Safety{IsSafe: true, Warnings: []string{}},
		Urgency: schema.Routine,
	}
}

func provenance() Provenance {
	return Provenance{Provider: "scripted", Model: "m1", PromptDigest: "abc", Attempts: 1, LatencyMS: 42}
}

func TestSQLiteStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB, WithClock(newClock().now))
	submitter := addPrincipal(t, sqlDB, principal.RoleSubmitter)

	in := sampleIntake("Jane")
	id, err := store.Create(ctx, in, submitter)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("expected a v7 id, got version %d", id.Version())
	}

	c, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Status != StatusPending {
		t.Errorf("expected pending, got %s", c.Status)
	}
	if c.Record != nil || c.RecipientID != nil || c.FinalizedAt != nil {
		t.Errorf("pending case must carry no record, recipient or finalization: %+v", c)
	}
	if diff := cmp.Diff(in, c.Intake); diff != "" {
		t.Errorf("intake mismatch (-want +got):\n%s", diff)
	}

	trail, err := store.AuditTrail(ctx, id)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 1 || trail[0].OldStatus != "" || trail[0].NewStatus != StatusPending {
		t.Errorf("unexpected creation trail: %+v", trail)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := NewSQLiteStore(openTestDB(t))
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AuditTrail(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from AuditTrail, got %v", err)
	}
}

func TestSQLiteStore_Complete(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB, WithClock(newClock().now))
	submitter := addPrincipal(t, sqlDB, principal.RoleSubmitter)
	recipient := addPrincipal(t, sqlDB, principal.RoleRecipient)

	id, err := store.Create(ctx, sampleIntake("Jane"), submitter)
	if err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord()
	if err := store.Complete(ctx, id, Completion{Record: rec, RecipientID: &recipient, Provenance: provenance()}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	c, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
	if c.Record == nil {
		t.Fatal("expected record")
	}
	if diff := cmp.Diff(rec, *c.Record); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if c.RecipientID == nil || *c.RecipientID != recipient {
		t.Errorf("expected recipient %s, got %v", recipient, c.RecipientID)
	}
	if diff := cmp.Diff(provenance(), c.Provenance); diff != "" {
		t.Errorf("provenance mismatch (-want +got):\n%s", diff)
	}
	if c.FinalizedAt == nil || !c.FinalizedAt.After(c.CreatedAt) {
		t.Errorf("expected finalized_at after created_at, got %v / %v", c.FinalizedAt, c.CreatedAt)
	}

	trail, _ := store.AuditTrail(ctx, id)
	if len(trail) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(trail))
	}
	if trail[1].OldStatus != StatusPending || trail[1].NewStatus != StatusCompleted {
		t.Errorf("unexpected transition: %+v", trail[1])
	}
	if !trail[1].RecordedAt.After(trail[0].RecordedAt) {
		t.Error("audit entries must be ordered by time")
	}
}

func TestSQLiteStore_StateGuards(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB)
	submitter := addPrincipal(t, sqlDB, principal.RoleSubmitter)

	id, _ := store.Create(ctx, sampleIntake("Jane"), submitter)
	if err := store.MarkFailed(ctx, id, Failure{Kind: FailureSchemaMismatch, Detail: "doctor_view.plan: missing"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := store.Complete(ctx, id, Completion{Record: sampleRecord()}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState completing a failed case, got %v", err)
	}
	if err := store.MarkFailed(ctx, id, Failure{Kind: FailureUnavailable}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState failing twice, got %v", err)
	}
	if err := store.Complete(ctx, uuid.New(), Completion{Record: sampleRecord()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkFailed(ctx, uuid.New(), Failure{Kind: FailureUnavailable}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	c, _ := store.Get(ctx, id)
	if c.Status != StatusFailed || c.Record != nil {
		t.Errorf("failed case must keep no record: %+v", c)
	}
	if c.FailureKind != FailureSchemaMismatch || c.FailureDetail != "doctor_view.plan: missing" {
		t.Errorf("unexpected failure fields: %s / %q", c.FailureKind, c.FailureDetail)
	}

	trail, _ := store.AuditTrail(ctx, id)
	if len(trail) != 2 {
		t.Errorf("rejected transitions must not be audited, got %d entries", len(trail))
	}
}

func TestSQLiteStore_ConcurrentTransitionsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB, WithClock(newClock().now))
	submitter := addPrincipal(t, sqlDB, principal.RoleSubmitter)

	for round := 0; round < 5; round++ {
		id, err := store.Create(ctx, sampleIntake("Jane"), submitter)
		if err != nil {
			t.Fatal(err)
		}

		const workers = 12
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			invalid   int
			other     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var err error
				if i%2 == 0 {
					err = store.Complete(ctx, id, Completion{Record: sampleRecord(), Provenance: provenance()})
				} else {
					err = store.MarkFailed(ctx, id, Failure{Kind: FailureUnavailable})
				}
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrInvalidState):
					invalid++
				default:
					other = append(other, err)
				}
			}(i)
		}
		wg.Wait()

		if len(other) > 0 {
			t.Fatalf("unexpected errors: %v", other)
		}
		if succeeded != 1 || invalid != workers-1 {
			t.Fatalf("round %d: expected exactly one transition, got %d ok / %d invalid", round, succeeded, invalid)
		}

		trail, _ := store.AuditTrail(ctx, id)
		if len(trail) != 2 {
			t.Errorf("round %d: expected 2 audit entries, got %d", round, len(trail))
		}
		c, _ := store.Get(ctx, id)
		if (c.Status == StatusCompleted) != (c.Record != nil) {
			t.Errorf("round %d: status %s inconsistent with record presence", round, c.Status)
		}
	}

	if n := store.locks.size(); n != 0 {
		t.Errorf("expected keyed locks to be released, %d remain", n)
	}
}

func TestSQLiteStore_ListFor(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB, WithClock(newClock().now))
	alice := addPrincipal(t, sqlDB, principal.RoleSubmitter)
	bob := addPrincipal(t, sqlDB, principal.RoleSubmitter)
	drA := addPrincipal(t, sqlDB, principal.RoleRecipient)
	drB := addPrincipal(t, sqlDB, principal.RoleRecipient)

	var aliceIDs []uuid.UUID
	for _, name := range []string{"first", "second", "third"} {
		id, err := store.Create(ctx, sampleIntake(name), alice)
		if err != nil {
			t.Fatal(err)
		}
		aliceIDs = append(aliceIDs, id)
	}
	bobID, _ := store.Create(ctx, sampleIntake("bob"), bob)

	_ = store.Complete(ctx, aliceIDs[0], Completion{Record: sampleRecord(), RecipientID: &drA})
	_ = store.Complete(ctx, bobID, Completion{Record: sampleRecord(), RecipientID: &drB})

	cases, total, err := store.ListFor(ctx, alice, principal.RoleSubmitter, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(cases) != 3 {
		t.Fatalf("expected 3 cases for alice, got %d (total %d)", len(cases), total)
	}
	if cases[0].Intake.Name != "third" || cases[2].Intake.Name != "first" {
		t.Errorf("expected newest first, got %s..%s", cases[0].Intake.Name, cases[2].Intake.Name)
	}

	page, total, _ := store.ListFor(ctx, alice, principal.RoleSubmitter, 2, 2)
	if total != 3 || len(page) != 1 || page[0].ID != aliceIDs[0] {
		t.Errorf("unexpected second page: %d cases, total %d", len(page), total)
	}

	assigned, total, _ := store.ListFor(ctx, drA, principal.RoleRecipient, 10, 0)
	if total != 1 || assigned[0].ID != aliceIDs[0] {
		t.Errorf("expected drA to see only the case assigned to them, got %d", total)
	}

	if none, total, _ := store.ListFor(ctx, alice, principal.RoleRecipient, 10, 0); total != 0 || len(none) != 0 {
		t.Error("a submitter id under the recipient role must match nothing")
	}
	if none, total, err := store.ListFor(ctx, alice, principal.Role("admin"), 10, 0); err != nil || total != 0 || none != nil {
		t.Error("unknown roles must see nothing")
	}
}

func TestSQLiteStore_AuditIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB)
	id, _ := store.Create(ctx, sampleIntake("Jane"), addPrincipal(t, sqlDB, principal.RoleSubmitter))

	if _, err := sqlDB.ExecContext(ctx, `UPDATE case_audit SET detail = 'rewritten' WHERE case_id = ?`, id.String()); err == nil {
		t.Error("expected UPDATE on case_audit to be rejected")
	}
	if _, err := sqlDB.ExecContext(ctx, `DELETE FROM case_audit WHERE case_id = ?`, id.String()); err == nil {
		t.Error("expected DELETE on case_audit to be rejected")
	}

	trail, _ := store.AuditTrail(ctx, id)
	if len(trail) != 1 || trail[0].Detail != "created" {
		t.Errorf("audit trail changed: %+v", trail)
	}
}

func TestSQLiteStore_ListStalePending(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	clock := newClock()
	store := NewSQLiteStore(sqlDB, WithClock(clock.now))
	submitter := addPrincipal(t, sqlDB, principal.RoleSubmitter)

	old, _ := store.Create(ctx, sampleIntake("old"), submitter)
	done, _ := store.Create(ctx, sampleIntake("done"), submitter)
	_ = store.MarkFailed(ctx, done, Failure{Kind: FailureUnavailable})
	cutoff := clock.now()
	_, _ = store.Create(ctx, sampleIntake("fresh"), submitter)

	ids, err := store.ListStalePending(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != old {
		t.Errorf("expected only %s, got %v", old, ids)
	}
}

// xorSealer is a reversible stand-in for the AES sealer.
type xorSealer struct{}

func (xorSealer) Seal(b []byte) ([]byte, error) { return xor(b), nil }
func (xorSealer) Open(b []byte) ([]byte, error) { return xor(b), nil }

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func TestSQLiteStore_SealedIntake(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	store := NewSQLiteStore(sqlDB, WithSealer(xorSealer{}))

	id, err := store.Create(ctx, sampleIntake("Jane Roe"), addPrincipal(t, sqlDB, principal.RoleSubmitter))
	if err != nil {
		t.Fatal(err)
	}

	var blob []byte
	var sealed bool
	if err := sqlDB.QueryRow(`SELECT intake, intake_sealed FROM cases WHERE id = ?`, id.String()).Scan(&blob, &sealed); err != nil {
		t.Fatal(err)
	}
	if !sealed || bytes.Contains(blob, []byte("Jane Roe")) {
		t.Error("expected intake to be sealed at rest")
	}

	c, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Intake.Name != "Jane Roe" {
		t.Errorf("expected opened intake, got %q", c.Intake.Name)
	}

	if _, err := NewSQLiteStore(sqlDB).Get(ctx, id); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable reading sealed intake without a key, got %v", err)
	}
}

func TestSQLiteStore_UnavailableMapping(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	store := NewSQLiteStore(sqlDB)
	ctx := context.Background()

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))
	if _, err := store.Create(ctx, sampleIntake("Jane"), uuid.New()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Create: expected ErrStoreUnavailable, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE cases SET").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	if err := store.Complete(ctx, uuid.New(), Completion{Record: sampleRecord()}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Complete: expected ErrStoreUnavailable, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE cases SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO case_audit").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("fsync failed"))
	if err := store.MarkFailed(ctx, uuid.New(), Failure{Kind: FailureUnavailable}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("MarkFailed: expected ErrStoreUnavailable on commit failure, got %v", err)
	}

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("no such table"))
	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Get: expected ErrStoreUnavailable, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	id := uuid.New()

	var (
		wg      sync.WaitGroup
		active  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(id)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("expected lock table to drain, %d left", k.size())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock(uuid.New())
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.lock(uuid.New())
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct id blocked")
	}
}
