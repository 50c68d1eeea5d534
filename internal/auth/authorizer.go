package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/pkg/cache"
)

// Authorizer answers whether an identity holds the administrator capability.
// Every transition that needs the check calls through this one seam.
type Authorizer interface {
	IsAdministrator(ctx context.Context, identity string) (bool, error)
}

// SQLAuthorizer reads the administrators table and caches answers briefly
type SQLAuthorizer struct {
	db     *sqlx.DB
	cache  *cache.TTLCache
	logger *zap.Logger
}

// NewSQLAuthorizer creates an authorizer. A zero ttl disables caching.
func NewSQLAuthorizer(db *sqlx.DB, ttl time.Duration, logger *zap.Logger) *SQLAuthorizer {
	a := &SQLAuthorizer{db: db, logger: logger}
	if ttl > 0 {
		a.cache = cache.NewTTLCache(ttl)
	}
	return a
}

// Close stops the cache cleanup goroutine
func (a *SQLAuthorizer) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

func (a *SQLAuthorizer) IsAdministrator(ctx context.Context, identity string) (bool, error) {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return false, nil
	}

	key := "admin:" + identity
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			return v.(bool), nil
		}
	}

	var isAdmin bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM administrators
			WHERE lower(wallet_address) = $1 AND revoked_at IS NULL
		)`
	if err := a.db.GetContext(ctx, &isAdmin, query, identity); err != nil {
		return false, fmt.Errorf("failed to look up administrator: %w", err)
	}

	if a.cache != nil {
		a.cache.Set(key, isAdmin)
	}
	a.logger.Debug("Administrator lookup", zap.String("identity", identity), zap.Bool("admin", isAdmin))
	return isAdmin, nil
}

// StaticAuthorizer holds a fixed administrator set. It backs tests and
// deployments without a Postgres database.
type StaticAuthorizer struct {
	admins map[string]bool
}

// NewStaticAuthorizer creates an authorizer with the given administrators
func NewStaticAuthorizer(admins ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{admins: make(map[string]bool)}
	for _, admin := range admins {
		a.admins[NormalizeIdentity(admin)] = true
	}
	return a
}

func (a *StaticAuthorizer) IsAdministrator(ctx context.Context, identity string) (bool, error) {
	return a.admins[NormalizeIdentity(identity)], nil
}

// NormalizeIdentity lower-cases a wallet address
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SameIdentity compares two wallet identities
func SameIdentity(a, b string) bool {
	a, b = NormalizeIdentity(a), NormalizeIdentity(b)
	return a != "" && a == b
}
