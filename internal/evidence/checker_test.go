package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/errs"
	"crowdchain/escrow-backend/pkg/storage"
)

func TestChecker(t *testing.T) {
	store := storage.NewMemoryStore("evidence/c1/receipt.pdf", "other/photo.jpg")
	c := NewChecker(store, "evidence", zap.NewNop())
	ctx := context.Background()

	assert.NoError(t, c.Check(ctx, []string{"c1/receipt.pdf", "s3://other/photo.jpg"}))
	assert.NoError(t, c.Check(ctx, nil))

	err := c.Check(ctx, []string{"c1/missing.pdf"})
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	err = c.Check(ctx, []string{"s3://bucket-only"})
	assert.True(t, errs.Is(err, errs.KindInvalidInput))

	err = c.Check(ctx, []string{"https://example.com/x"})
	assert.True(t, errs.Is(err, errs.KindInvalidInput))
}

func TestDisabledChecker(t *testing.T) {
	var nilChecker *Checker
	assert.NoError(t, nilChecker.Check(context.Background(), []string{"anything"}))

	c := NewChecker(nil, "", zap.NewNop())
	assert.NoError(t, c.Check(context.Background(), []string{"anything"}))
}

// MockObjectStore is a mock implementation of storage.ObjectStore
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	args := m.Called(ctx, bucket, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjectStore) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	args := m.Called(ctx, bucket, key, expiration)
	return args.String(0), args.Error(1)
}

func TestCheckerStopsOnLookupFailure(t *testing.T) {
	store := new(MockObjectStore)
	store.On("Exists", mock.Anything, "evidence", "c1/a.jpg").Return(true, nil)
	store.On("Exists", mock.Anything, "evidence", "c1/b.jpg").Return(false, errors.New("access denied"))

	c := NewChecker(store, "evidence", zap.NewNop())
	err := c.Check(context.Background(), []string{"c1/a.jpg", "/c1/b.jpg", "c1/c.jpg"})
	assert.True(t, errs.Is(err, errs.KindInternal))

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Exists", mock.Anything, "evidence", "c1/c.jpg")
}

func TestCheckerLinks(t *testing.T) {
	store := new(MockObjectStore)
	store.On("GetPresignedURL", mock.Anything, "evidence", "c1/a.jpg", time.Minute).Return("https://signed/a", nil)

	c := NewChecker(store, "evidence", zap.NewNop())
	links, err := c.Links(context.Background(), []string{"c1/a.jpg"}, time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"c1/a.jpg": "https://signed/a"}, links)

	var disabled *Checker
	links, err = disabled.Links(context.Background(), []string{"c1/a.jpg"}, time.Minute)
	assert.NoError(t, err)
	assert.Empty(t, links)
}
