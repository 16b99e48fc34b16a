package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
)

var (
	ErrNotFound         = errors.New("case not found")
	ErrInvalidState     = errors.New("case is not pending")
	ErrStoreUnavailable = errors.New("case store unavailable")
)

// Store is the Case Record Store. It performs no authorization; every read
// path from a principal goes through the access gate first.
//
// Complete and MarkFailed are exactly-once: of any set of concurrent calls
// for one case, one succeeds and the rest return ErrInvalidState. A nil error
// from a write means the change and its audit entry are durable.
type Store interface {
	Create(ctx context.Context, in intake.Intake, submitterID uuid.UUID) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, c Completion) error
	MarkFailed(ctx context.Context, id uuid.UUID, f Failure) error
	Get(ctx context.Context, id uuid.UUID) (*Case, error)
	// ListFor returns the cases owned by (submitter) or assigned to
	// (recipient) the principal, newest first, with the total count.
	ListFor(ctx context.Context, principalID uuid.UUID, role principal.Role, limit, offset int) ([]*Case, int, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error)
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]uuid.UUID, error)
}

// Sealer encrypts the retained intake at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

type Option func(*options)

type options struct {
	sealer Sealer
	now    func() time.Time
}

// WithSealer stores intake sealed. Rows written sealed can only be read back
// with a sealer configured.
func WithSealer(s Sealer) Option {
	return func(o *options) { o.sealer = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) encodeIntake(in intake.Intake) ([]byte, bool, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, false, fmt.Errorf("encode intake: %w", err)
	}
	if o.sealer == nil {
		return raw, false, nil
	}
	sealed, err := o.sealer.Seal(raw)
	if err != nil {
		return nil, false, fmt.Errorf("seal intake: %w", err)
	}
	return sealed, true, nil
}

func (o options) decodeIntake(b []byte, sealed bool) (intake.Intake, error) {
	var in intake.Intake
	if sealed {
		if o.sealer == nil {
			return in, errors.New("intake is sealed and no key is configured")
		}
		opened, err := o.sealer.Open(b)
		if err != nil {
			return in, fmt.Errorf("open intake: %w", err)
		}
		b = opened
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, fmt.Errorf("decode intake: %w", err)
	}
	return in, nil
}

// classify passes store-level misuse through and turns everything else into
// ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
