package camunda

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"entitlement-delivery/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsRetryableZeebeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"gateway unavailable", status.Error(codes.Unavailable, "no leader"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"backpressure", status.Error(codes.ResourceExhausted, "busy"), true},
		{"bad variables", status.Error(codes.InvalidArgument, "not a document"), false},
		{"duplicate message", status.Error(codes.AlreadyExists, "message exists"), false},
		{"dial refused", stderrors.New("dial tcp 127.0.0.1:26500: connection refused"), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"anything else", stderrors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableZeebeError(tt.err))
		})
	}
}

func TestMapZeebeError(t *testing.T) {
	assert.Equal(t, errors.ErrCodeUnauthenticated,
		errors.CodeOf(mapZeebeError(status.Error(codes.PermissionDenied, "x"), "publish", 0)))
	assert.Equal(t, errors.ErrCodeInvalidRequest,
		errors.CodeOf(mapZeebeError(status.Error(codes.InvalidArgument, "x"), "publish", 0)))

	err := mapZeebeError(status.Error(codes.Unavailable, "x"), "publish", 3)
	stdErr, ok := errors.AsStandard(err)
	assert.True(t, ok)
	assert.Equal(t, errors.ErrCodeUpstreamUnavailable, stdErr.Code)
	assert.True(t, stdErr.Retryable)
	assert.Contains(t, stdErr.Details, "after 4 attempts")
}

func TestExecuteWithRetry(t *testing.T) {
	c := &Client{config: &ClientConfig{RetryConfig: &RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}}}

	t.Run("recovers from transient failure", func(t *testing.T) {
		calls := 0
		res, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
			calls++
			if calls < 2 {
				return nil, status.Error(codes.Unavailable, "leader change")
			}
			return "ok", nil
		}, "publish")
		assert.NoError(t, err)
		assert.Equal(t, "ok", res)
		assert.Equal(t, 2, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		_, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
			calls++
			return nil, status.Error(codes.Unavailable, "down")
		}, "publish")
		assert.Equal(t, errors.ErrCodeUpstreamUnavailable, errors.CodeOf(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent failure", func(t *testing.T) {
		calls := 0
		_, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
			calls++
			return nil, status.Error(codes.InvalidArgument, "bad")
		}, "publish")
		assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))
		assert.Equal(t, 1, calls)
	})
}
