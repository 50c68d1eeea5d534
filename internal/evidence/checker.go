// Package evidence validates the evidence references attached to
// verification requests.
package evidence

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/pkg/storage"
)

// Checker verifies that every evidence reference names an existing object.
// References are either s3://bucket/key or a bare key in the default bucket.
type Checker struct {
	store         storage.ObjectStore
	defaultBucket string
	logger        *zap.Logger
}

// NewChecker creates a checker. A nil store disables checking.
func NewChecker(store storage.ObjectStore, defaultBucket string, logger *zap.Logger) *Checker {
	return &Checker{store: store, defaultBucket: defaultBucket, logger: logger}
}

// Check fails with InvalidInput naming the first missing reference
func (c *Checker) Check(ctx context.Context, refs []string) error {
	if c == nil || c.store == nil {
		return nil
	}
	for _, ref := range refs {
		bucket, key, err := c.parse(ref)
		if err != nil {
			return err
		}
		ok, err := c.store.Exists(ctx, bucket, key)
		if err != nil {
			c.logger.Warn("Evidence lookup failed", zap.String("reference", ref), zap.Error(err))
			return errs.Wrap(errs.KindInternal, err, "could not check evidence %s", ref)
		}
		if !ok {
			return errs.New(errs.KindInvalidInput, "evidence %s does not exist", ref).
				WithDetail("reference", ref)
		}
	}
	return nil
}

// Links returns a time-limited download link for every reference, keyed by
// the reference as stored on the request.
func (c *Checker) Links(ctx context.Context, refs []string, ttl time.Duration) (map[string]string, error) {
	links := make(map[string]string, len(refs))
	if c == nil || c.store == nil {
		return links, nil
	}
	for _, ref := range refs {
		bucket, key, err := c.parse(ref)
		if err != nil {
			return nil, err
		}
		url, err := c.store.GetPresignedURL(ctx, bucket, key, ttl)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "could not link evidence %s", ref)
		}
		links[ref] = url
	}
	return links, nil
}

func (c *Checker) parse(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", errs.New(errs.KindInvalidInput, "malformed evidence reference %q", ref)
		}
		return bucket, key, nil
	}
	if ref == "" || strings.Contains(ref, "://") {
		return "", "", errs.New(errs.KindInvalidInput, "unsupported evidence reference %q", ref)
	}
	if c.defaultBucket == "" {
		return "", "", errs.New(errs.KindInvalidInput, "evidence %q has no bucket", ref)
	}
	return c.defaultBucket, strings.TrimPrefix(ref, "/"), nil
}
