package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "campaign %s", "c1")))

	wrapped := fmt.Errorf("publish: %w", Wrap(KindTransientLedgerFailure, errors.New("timeout"), "create campaign"))
	assert.Equal(t, KindTransientLedgerFailure, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTransientLedgerFailure))
	assert.False(t, Is(nil, KindInternal))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindDuplicateRequest, "slot busy"))
	assert.True(t, errors.Is(err, New(KindDuplicateRequest, "")))
	assert.False(t, errors.Is(err, New(KindNotFound, "")))

	cause := errors.New("rpc down")
	assert.ErrorIs(t, Wrap(KindTransientLedgerFailure, cause, "get campaign"), cause)
}

func TestKindClassification(t *testing.T) {
	for _, k := range []Kind{KindDuplicateRequest, KindAlreadyTerminal, KindAlreadyVerified} {
		assert.True(t, k.Idempotent(), k)
	}
	assert.False(t, KindAmountMismatch.Idempotent())
	assert.False(t, KindUnconfirmed.Retryable())
	assert.True(t, KindTransientLedgerFailure.Retryable())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindAmountMismatch, http.StatusBadRequest},
		{KindUnauthorized, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindDuplicateRequest, http.StatusConflict},
		{KindAlreadyVerified, http.StatusConflict},
		{KindNotReached, http.StatusUnprocessableEntity},
		{KindUserDeclined, http.StatusPaymentRequired},
		{KindTransientLedgerFailure, http.StatusServiceUnavailable},
		{KindUnconfirmed, http.StatusAccepted},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestResponse(t *testing.T) {
	status, body := Response(New(KindAmountMismatch, "targets do not sum to goal").
		WithDetail("expected", "23").
		WithDetail("actual", "22"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, KindAmountMismatch, body["kind"])
	assert.Equal(t, "targets do not sum to goal", body["error"])
	require.Contains(t, body, "details")
	assert.Equal(t, "23", body["details"].(map[string]interface{})["expected"])
	assert.NotContains(t, body, "idempotent")

	status, body = Response(New(KindDuplicateRequest, "already pending"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, true, body["idempotent"])

	status, body = Response(errors.New("connection string with secrets"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", body["error"])
}
