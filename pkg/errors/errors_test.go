package apperrors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "funding_keeper/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := apperrors.New(apperrors.KindRateLimited, "weight exceeded").WithVenue("binance")
	wrapped := fmt.Errorf("place order: %w", err)

	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(wrapped))
	assert.Equal(t, apperrors.KindUnknown, apperrors.KindOf(errors.New("plain")))
	assert.True(t, apperrors.Is(wrapped, apperrors.KindRateLimited))
	assert.False(t, apperrors.Is(wrapped, apperrors.KindNetwork))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name      string
		kind      apperrors.Kind
		retryable bool
	}{
		{"network retries", apperrors.KindNetwork, true},
		{"rate limit retries", apperrors.KindRateLimited, true},
		{"unknown retries", apperrors.KindUnknown, true},
		{"unprofitable does not", apperrors.KindUnprofitable, false},
		{"insufficient balance does not", apperrors.KindInsufficientBalance, false},
		{"fatal does not", apperrors.KindFatal, false},
		{"auth does not", apperrors.KindAuth, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apperrors.New(tt.kind, "x")
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(fmt.Errorf("wrap: %w", err)))
		})
	}
}

func TestRetryAfterPropagates(t *testing.T) {
	err := apperrors.New(apperrors.KindRateLimited, "slow down").WithRetryAfter(2 * time.Second)
	wrapped := fmt.Errorf("leg submit: %w", err)

	assert.Equal(t, 2*time.Second, apperrors.RetryAfterOf(wrapped))
	assert.Equal(t, time.Duration(0), apperrors.RetryAfterOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := apperrors.Wrap(apperrors.KindNetwork, "get mark price", errors.New("dial tcp: timeout")).
		WithVenue("bybit").WithSymbol("ETHUSDT")

	msg := err.Error()
	assert.Contains(t, msg, "network")
	assert.Contains(t, msg, "bybit")
	assert.Contains(t, msg, "ETHUSDT")
	assert.Contains(t, msg, "dial tcp: timeout")
	assert.ErrorIs(t, err, err.Err)
}
