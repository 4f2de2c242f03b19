package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := New(KindDuplicate, "item already known")
	wrapped := fmt.Errorf("ingest: %w", base)

	assert.Equal(t, KindDuplicate, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindDuplicate))
	assert.False(t, Is(wrapped, KindInProgress))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindInternal, "noop", nil))
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(New(KindUnavailable, "circuit open")))
	assert.True(t, Transient(New(KindTimeout, "deadline")))
	assert.False(t, Transient(New(KindContentMismatch, "hash")))
	assert.False(t, Transient(New(KindSignatureInvalid, "sig")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindDuplicate, http.StatusConflict},
		{KindInProgress, http.StatusConflict},
		{KindTooLarge, http.StatusRequestEntityTooLarge},
		{KindInsufficientCredit, http.StatusPaymentRequired},
		{KindNonceReplayed, http.StatusPaymentRequired},
		{KindUserBanned, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), string(tt.kind))
	}
}

func TestFromStatusRoundTrip(t *testing.T) {
	// A kind present in the body wins over the status code.
	assert.Equal(t, KindNonceReplayed, FromStatus(http.StatusPaymentRequired, KindNonceReplayed))
	// Without a body kind, the status maps back to its family.
	assert.Equal(t, KindUserBanned, FromStatus(http.StatusForbidden, ""))
	assert.Equal(t, KindInternal, FromStatus(http.StatusTeapot, ""))
}
