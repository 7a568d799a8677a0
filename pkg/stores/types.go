package stores

import (
	"context"
	"fmt"
	"time"
)

// HostKey is a trusted device host key.
type HostKey struct {
	Host        string    `json:"host"` // normalized known_hosts form, e.g. "[10.0.0.2]:2222"
	KeyType     string    `json:"key_type"`
	Fingerprint string    `json:"fingerprint"` // SHA256:...
	Key         string    `json:"key"`         // base64 wire encoding
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Session is one connect attempt in the session history.
type Session struct {
	ID        string     `json:"id"`
	Address   string     `json:"address"`
	User      string     `json:"user"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   *string    `json:"outcome,omitempty"` // failed, disconnected, dropped
	Error     *string    `json:"error,omitempty"`
}

// HostKeyMismatchError reports a host presenting a key different from the
// trusted one.
type HostKeyMismatchError struct {
	Host     string
	KeyType  string
	Trusted  string
	Presents string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: trusted %s %s, got %s",
		e.Host, e.KeyType, e.Trusted, e.Presents)
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Host key operations
	GetHostKeys(ctx context.Context, host string) ([]*HostKey, error)
	TrustHostKey(ctx context.Context, key *HostKey) error
	TouchHostKey(ctx context.Context, host, keyType string, seen time.Time) error
	ListHostKeys(ctx context.Context) ([]*HostKey, error)
	RemoveHostKeys(ctx context.Context, host string) (int64, error)

	// Session history operations
	StartSession(ctx context.Context, id, address, user string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time, outcome, errText string) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, address *string, limit, offset int) ([]*Session, error)
	PruneSessions(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
