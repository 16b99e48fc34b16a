package principal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the single role a principal holds.
type Role string

const (
	// RoleSubmitter creates cases (a patient).
	RoleSubmitter Role = "submitter"
	// RoleRecipient reads cases assigned to them (a doctor).
	RoleRecipient Role = "recipient"
)

func (r Role) Valid() bool {
	return r == RoleSubmitter || r == RoleRecipient
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSubmitter:
		return RoleSubmitter, true
	case RoleRecipient:
		return RoleRecipient, true
	}
	return "", false
}

// Principal maps to the principals table.
type Principal struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Role         Role      `db:"role" json:"role"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Specialty    string    `db:"specialty" json:"specialty,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Recipient is the directory entry a submitter picks from.
type Recipient struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Specialty   string    `json:"specialty,omitempty"`
}

func (p *Principal) AsRecipient() Recipient {
	return Recipient{ID: p.ID, DisplayName: p.DisplayName, Specialty: p.Specialty}
}
