package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPolicyRejected marks a provider content-policy refusal. Providers
	// wrap it; the client never retries it.
	ErrPolicyRejected = errors.New("llm: rejected by provider content policy")
	// ErrNonRetryable marks provider errors that another attempt cannot fix
	// (bad credentials, malformed request).
	ErrNonRetryable = errors.New("llm: non-retryable provider error")
	// ErrEmptyResponse is returned by providers that answered with no text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

type FailureKind string

const (
	Unavailable FailureKind = "Unavailable"
	Rejected    FailureKind = "Rejected"
)

// GenerationFailure is the typed outcome of a call that produced no text.
type GenerationFailure struct {
	Kind     FailureKind
	Provider string
	Model    string
	Attempts int
	Latency  time.Duration
	Err      error
}

func (f *GenerationFailure) Error() string {
	return fmt.Sprintf("generation %s after %d attempt(s): %v", f.Kind, f.Attempts, f.Err)
}

func (f *GenerationFailure) Unwrap() error { return f.Err }

// Request is one generation request.
type Request struct {
	System string
	User   string
}

// Response is raw provider text plus the facts needed to attribute it.
type Response struct {
	Text     string
	Provider string
	Model    string
	Attempts int
	Latency  time.Duration
}

// Provider performs a single attempt against an upstream model.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Config bounds a Client. Total time spent in Generate, backoff included,
// never exceeds Timeout * MaxAttempts.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  4 * time.Second,
	}
}

// Client wraps a Provider with the timeout and retry policy.
type Client struct {
	provider Provider
	cfg      Config
}

func NewClient(p Provider, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Client{provider: p, cfg: cfg}
}

func (c *Client) Provider() string { return c.provider.Name() }
func (c *Client) Model() string    { return c.provider.Model() }

// Budget is the longest a single Generate call can take.
func (c *Client) Budget() time.Duration {
	return c.cfg.Timeout * time.Duration(c.cfg.MaxAttempts)
}

// Generate returns raw provider text or a *GenerationFailure.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.Budget())
	defer cancel()

	fail := func(kind FailureKind, attempts int, err error) error {
		return &GenerationFailure{
			Kind:     kind,
			Provider: c.provider.Name(),
			Model:    c.provider.Model(),
			Attempts: attempts,
			Latency:  time.Since(start),
			Err:      err,
		}
	}

	var lastErr error
	attempts := 0
	for attempts < c.cfg.MaxAttempts {
		if attempts > 0 {
			if err := sleep(ctx, c.backoff(attempts)); err != nil {
				break
			}
		}
		attempts++

		attemptCtx, attemptCancel := context.WithTimeout(ctx, c.cfg.Timeout)
		text, err := c.provider.Generate(attemptCtx, req)
		attemptCancel()

		if err == nil {
			return &Response{
				Text:     text,
				Provider: c.provider.Name(),
				Model:    c.provider.Model(),
				Attempts: attempts,
				Latency:  time.Since(start),
			}, nil
		}

		lastErr = err
		if errors.Is(err, ErrPolicyRejected) {
			return nil, fail(Rejected, attempts, err)
		}
		if errors.Is(err, ErrNonRetryable) || ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fail(Unavailable, attempts, lastErr)
}

// backoff doubles from BaseBackoff per retry, capped at MaxBackoff.
func (c *Client) backoff(retry int) time.Duration {
	d := c.cfg.BaseBackoff << (retry - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
