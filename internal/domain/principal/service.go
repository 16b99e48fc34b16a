package principal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mediassist/mediassist/internal/platform/auth"
)

// ErrInvalidCredentials covers both an unknown username and a wrong
// password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	minPasswordLen = 8
	maxUsernameLen = 64
)

// Session is what a successful login returns.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Principal *Principal `json:"principal"`
}

type Service struct {
	repo        Repository
	issuer      *auth.Issuer
	revocations auth.RevocationStore
	cost        int
	// dummyHash is compared against when the username is unknown so both
	// failure paths cost one bcrypt comparison.
	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(repo Repository, issuer *auth.Issuer, revocations auth.RevocationStore) *Service {
	return &Service{repo: repo, issuer: issuer, revocations: revocations, cost: bcrypt.DefaultCost}
}

// NewPrincipal describes a principal to register.
type NewPrincipal struct {
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	Role        string `yaml:"role" json:"role"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Specialty   string `yaml:"specialty" json:"specialty"`
}

// Register validates np, hashes the password and stores the principal.
func (s *Service) Register(ctx context.Context, np NewPrincipal) (*Principal, error) {
	username := strings.ToLower(strings.TrimSpace(np.Username))
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("username must be at most %d characters", maxUsernameLen)
	}
	role, ok := ParseRole(np.Role)
	if !ok {
		return nil, fmt.Errorf("role must be %q or %q", RoleSubmitter, RoleRecipient)
	}
	if len(np.Password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	display := strings.TrimSpace(np.DisplayName)
	if display == "" {
		display = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(np.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	p := &Principal{
		Username:     username,
		Role:         role,
		DisplayName:  display,
		Specialty:    strings.TrimSpace(np.Specialty),
		PasswordHash: string(hash),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Login checks the credentials and issues an access token.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	p, err := s.repo.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if errors.Is(err, ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, claims, err := s.issuer.Issue(p.ID.String(), string(p.Role))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, Principal: p}, nil
}

// Logout revokes the token described by claims until it would have expired.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.ID == "" {
		return fmt.Errorf("no token to revoke")
	}
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return s.revocations.Revoke(ctx, claims.ID, claims.Subject, expires)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Recipients(ctx context.Context) ([]Recipient, error) {
	ps, err := s.repo.ListRecipients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Recipient, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.AsRecipient())
	}
	return out, nil
}

// IsRecipient reports whether id names an existing recipient.
func (s *Service) IsRecipient(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Role == RoleRecipient, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Principal, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.cost)
	})
	return s.dummyHash
}
