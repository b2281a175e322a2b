package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Role is the capability level of an account.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Account is a registered identity backed by an operating-system user of the same name.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`

	ID           string     `bun:"id,pk"`
	Username     string     `bun:"username,notnull,unique"`
	PasswordHash string     `bun:"password_hash,notnull"` // versioned argon2id PHC string
	Email        string     `bun:"email,notnull"`
	Role         Role       `bun:"role,notnull"`
	IsActive     bool       `bun:"is_active,notnull"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	LastLogin    *time.Time `bun:"last_login"`
}

// Session is an issued bearer token. Only the SHA256 of the token is stored.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID        string    `bun:"id,pk"`
	AccountID string    `bun:"account_id,notnull"`
	TokenHash string    `bun:"token_hash,notnull,unique"`
	IPAddress string    `bun:"ip_address,notnull"`
	UserAgent string    `bun:"user_agent,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`

	Account *Account `bun:"rel:belongs-to,join:account_id=id"`
}

// ActiveAt reports whether the session is usable at now. Expiry is exclusive.
func (s *Session) ActiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
