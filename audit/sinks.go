package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ZapSink writes records as structured log entries.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink logs to l, or to the package logger when l is nil.
func NewZapSink(l *zap.Logger) *ZapSink {
	if l == nil {
		l = Logger()
	}
	return &ZapSink{logger: l}
}

func (s *ZapSink) Write(_ context.Context, r Record) error {
	fields := []zap.Field{
		zap.String("audit_id", r.ID.String()),
		zap.Time("timestamp", r.Timestamp),
		zap.String("component", r.Component),
		zap.String("domain", r.Domain),
		zap.String("resource", r.Resource),
		zap.String("permission", r.Permission),
		zap.String("decision", string(r.Decision)),
	}
	if r.Reason != "" {
		fields = append(fields, zap.String("reason", r.Reason))
	}
	if r.Decision == Denied {
		s.logger.Warn("capability check", fields...)
	} else {
		s.logger.Info("capability check", fields...)
	}
	return nil
}

// JSONSink writes one JSON object per line.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(r)
}

// StreamAdder is the part of a redis client the RedisSink uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSinkConfig describes the Redis stream audit target.
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisSink appends records to a Redis stream.
type RedisSink struct {
	client StreamAdder
	closer io.Closer
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, stderrors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	s := NewRedisSinkWithClient(client, cfg.Stream, cfg.MaxLen)
	s.closer = client
	return s, nil
}

// NewRedisSinkWithClient uses an existing client. stream defaults to "wasm-actors:audit".
func NewRedisSinkWithClient(client StreamAdder, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "wasm-actors:audit"
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, r Record) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":         r.ID.String(),
			"timestamp":  r.Timestamp.UTC().Format(time.RFC3339Nano),
			"component":  r.Component,
			"domain":     r.Domain,
			"resource":   r.Resource,
			"permission": r.Permission,
			"decision":   string(r.Decision),
			"reason":     r.Reason,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// Close releases the client if the sink created it.
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// MultiSink fans a record out to several sinks. Every sink is attempted.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}
