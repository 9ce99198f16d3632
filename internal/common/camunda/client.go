// internal/common/camunda/client.go
package camunda

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"entitlement-delivery/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MessageTTL is how long a published pass message waits for a process
// instance to correlate with it.
const MessageTTL = time.Hour

// Client is the shared Zeebe connection. Workers poll through GetClient; pass
// lifecycle notifications go through PublishMessage.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	RetryConfig            *RetryConfig
}

// RetryConfig bounds retries of transport failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   5 * time.Second,
}

// NewClientWithConfig dials the gateway and fails unless the broker answers a
// topology request within ConnectionTimeout.
func NewClientWithConfig(config *ClientConfig) (*Client, error) {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         config.GatewayAddress,
		UsePlaintextConnection: config.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", config.GatewayAddress, err)
	}

	return &Client{client: zeebeClient, config: config}, nil
}

func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ExecuteWithRetry runs commandFunc, retrying transport failures with capped
// exponential backoff. Other failures are mapped on the first attempt.
func (c *Client) ExecuteWithRetry(
	ctx context.Context,
	commandFunc func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	retry := c.config.RetryConfig
	delay := retry.BaseDelay

	for attempt := 0; ; attempt++ {
		result, err := commandFunc(ctx)
		if err == nil {
			return result, nil
		}
		if !isRetryableZeebeError(err) || attempt == retry.MaxRetries {
			return nil, mapZeebeError(err, operationName, attempt)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.NewUpstreamUnavailableError("zeebe",
				fmt.Errorf("%s cancelled after %d attempts: %w", operationName, attempt+1, ctx.Err()))
		}
		if delay *= 2; delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}
}

// isRetryableZeebeError reports transport-level failures. The gateway speaks
// gRPC, so the status code decides; plain dial errors fall back to the message.
func isRetryableZeebeError(err error) bool {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		default:
			return false
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"connection refused", "connection reset", "broken pipe", "unavailable"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func mapZeebeError(err error, operation string, attempt int) error {
	enhanced := fmt.Errorf("zeebe %s failed after %d attempts: %w", operation, attempt+1, err)

	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return errors.NewAuthenticationError(enhanced.Error())
	case codes.InvalidArgument:
		return errors.NewInvalidRequestError(enhanced.Error())
	default:
		return errors.NewUpstreamUnavailableError("zeebe", enhanced)
	}
}

// PublishMessage publishes a correlated message. The broker rejects a second
// message with the same messageID while the first is buffered, which is
// reported here as success so redelivered pass events stay idempotent.
func (c *Client) PublishMessage(ctx context.Context, name, correlationKey, messageID string, variables interface{}) error {
	cmd, err := c.client.NewPublishMessageCommand().
		MessageName(name).
		CorrelationKey(correlationKey).
		MessageId(messageID).
		TimeToLive(MessageTTL).
		VariablesFromObject(variables)
	if err != nil {
		return errors.NewInvalidRequestError(fmt.Sprintf("message variables: %v", err))
	}

	_, err = c.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
		resp, err := cmd.Send(reqCtx)
		if status.Code(err) == codes.AlreadyExists {
			return nil, nil
		}
		return resp, err
	}, "publish "+name)
	return err
}

// HealthCheck is the readiness probe for the broker.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}
