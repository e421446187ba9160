// Package statusboard mirrors circuit breaker state into Redis so dashboards
// and other runners can read it. Snapshots land in one hash per process and
// transitions are announced on a pub/sub channel.
package statusboard

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/metrics"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
)

// RedisWriter is the part of a go-redis client the publisher uses
type RedisWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Config holds the publisher settings
type Config struct {
	Addr      string
	KeyPrefix string
	Instance  string
	Interval  time.Duration
	TTL       time.Duration
}

// CircuitRecord is the JSON stored per breaker
type CircuitRecord struct {
	Key              string                  `json:"key"`
	State            resilience.CircuitState `json:"state"`
	FailureCount     int                     `json:"failure_count"`
	FailureThreshold int                     `json:"failure_threshold"`
	RecoveryTimeout  string                  `json:"recovery_timeout"`
	LastFailureTime  *time.Time              `json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time              `json:"last_success_time,omitempty"`
	TrialInFlight    bool                    `json:"trial_in_flight"`
}

// Transition is announced on the events channel
type Transition struct {
	Instance string                  `json:"instance"`
	Key      string                  `json:"key"`
	From     resilience.CircuitState `json:"from"`
	To       resilience.CircuitState `json:"to"`
	At       time.Time               `json:"at"`
}

// Publisher writes breaker snapshots to Redis through the remote retry recipe
type Publisher struct {
	config   Config
	redis    RedisWriter
	strategy *recovery.ErrorRecoveryStrategy
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	events  chan Transition
	dropped int
	mu      sync.Mutex
}

// Option configures a Publisher
type Option func(*Publisher)

// WithLogger sets the publisher logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics records publish outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates a status board publisher
func NewPublisher(config Config, client RedisWriter, strategy *recovery.ErrorRecoveryStrategy, opts ...Option) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", errors.ErrInvalidArgument)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: recovery strategy is required", errors.ErrInvalidArgument)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "recoverykit"
	}
	if config.Instance == "" {
		config.Instance = "default"
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.TTL <= 0 {
		config.TTL = 6 * config.Interval
	}

	p := &Publisher{
		config:   config,
		redis:    client,
		strategy: strategy,
		now:      time.Now,
		events:   make(chan Transition, 64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.GetLogger()
	}
	return p, nil
}

// Endpoint names the Redis server for circuit breaking
func (p *Publisher) Endpoint() string {
	return "redis:" + p.config.Addr
}

// SnapshotKey is the hash holding this instance's breakers
func (p *Publisher) SnapshotKey() string {
	return fmt.Sprintf("%s:circuits:%s", p.config.KeyPrefix, p.config.Instance)
}

// EventsChannel is the pub/sub channel transitions are announced on
func (p *Publisher) EventsChannel() string {
	return p.config.KeyPrefix + ":circuits:events"
}

// Observer queues transitions for the Run loop. It never blocks the breaker;
// transitions beyond the queue capacity are dropped and counted.
func (p *Publisher) Observer() resilience.StateChangeFunc {
	return func(key string, from, to resilience.CircuitState) {
		select {
		case p.events <- Transition{Instance: p.config.Instance, Key: key, From: from, To: to, At: p.now()}:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	}
}

// Dropped returns how many transitions overflowed the queue
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Publish writes the current snapshot and refreshes its TTL. The publisher's
// own breaker is skipped so an outage does not describe itself.
func (p *Publisher) Publish(ctx context.Context) error {
	values := []interface{}{"_updated_at", p.now().UTC().Format(time.RFC3339Nano)}
	for _, status := range p.strategy.CircuitSnapshot() {
		if status.Key == p.Endpoint() {
			continue
		}
		data, err := json.Marshal(recordFor(status))
		if err != nil {
			return errors.NewInternalError("failed to encode circuit record").WithCause(err)
		}
		values = append(values, status.Key, string(data))
	}

	err := p.write(ctx, "publish", func(ctx context.Context) error {
		if err := p.redis.HSet(ctx, p.SnapshotKey(), values...).Err(); err != nil {
			return classifyRedisError(p.Endpoint(), err)
		}
		return classifyRedisError(p.Endpoint(), p.redis.Expire(ctx, p.SnapshotKey(), p.config.TTL).Err())
	})
	if err != nil {
		p.metrics.RecordStatusPublish("failed")
		return err
	}

	p.metrics.RecordStatusPublish("ok")
	p.logger.Debug("Status board published", "key", p.SnapshotKey(), "circuits", len(values)/2-1)
	return nil
}

func (p *Publisher) announce(ctx context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errors.NewInternalError("failed to encode transition").WithCause(err)
	}
	return p.write(ctx, "announce", func(ctx context.Context) error {
		return classifyRedisError(p.Endpoint(), p.redis.Publish(ctx, p.EventsChannel(), data).Err())
	})
}

func (p *Publisher) write(ctx context.Context, operation string, fn func(context.Context) error) error {
	rc := recovery.ForRemoteCall(p, "statusboard").
		WithComponent("StatusBoard").
		WithOperation(operation)

	_, err := recovery.WithRemoteRetry(ctx, p.strategy, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run publishes on every interval and announces queued transitions until
// ctx ends. Failures are logged; the loop keeps going.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("Status board publisher started",
		"key", p.SnapshotKey(),
		"interval", p.config.Interval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Status board publisher stopped")
			return
		case t := <-p.events:
			if t.Key == p.Endpoint() {
				continue
			}
			if err := p.announce(ctx, t); err != nil && !errors.IsCanceled(err) {
				p.logger.Warn("Failed to announce circuit transition", "circuit", t.Key, "error", err.Error())
			}
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil && !errors.IsCanceled(err) {
				p.logger.Warn("Failed to publish status board", "error", err.Error())
			}
		}
	}
}

func recordFor(status resilience.CircuitStatus) CircuitRecord {
	record := CircuitRecord{
		Key:              status.Key,
		State:            status.State,
		FailureCount:     status.FailureCount,
		FailureThreshold: status.FailureThreshold,
		RecoveryTimeout:  status.RecoveryTimeout.String(),
		TrialInFlight:    status.TrialInFlight,
	}
	if !status.LastFailureTime.IsZero() {
		t := status.LastFailureTime.UTC()
		record.LastFailureTime = &t
	}
	if !status.LastSuccessTime.IsZero() {
		t := status.LastSuccessTime.UTC()
		record.LastSuccessTime = &t
	}
	return record
}

// classifyRedisError keeps network errors as they are and maps server
// replies: LOADING, BUSY, READONLY and TRYAGAIN are temporary, anything else
// is a rejected command.
func classifyRedisError(endpoint string, err error) error {
	if err == nil {
		return nil
	}

	var reply redis.Error
	if !stderrors.As(err, &reply) {
		return err
	}

	message := reply.Error()
	for _, prefix := range []string{"LOADING", "BUSY", "READONLY", "TRYAGAIN", "CLUSTERDOWN"} {
		if strings.HasPrefix(message, prefix) {
			return errors.NewUnavailableError(endpoint, message).WithCause(err)
		}
	}
	if strings.HasPrefix(message, "NOAUTH") || strings.HasPrefix(message, "WRONGPASS") {
		return errors.NewAuthenticationError(message).WithCause(err)
	}
	return errors.NewValidationError(message).WithCause(err)
}
