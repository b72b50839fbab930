// Package gparedis serves relationship lookups and cascade writes from
// Redis. Each entity is one encoded record; every stored column is indexed
// by a set so that back-reference lookups need no scans.
package gparedis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// =====================================
// Adapter
// =====================================

// Adapter implements gpa.Adapter and gpa.UnitOfWork on a Redis client.
//
// Keys:
//
//	<prefix>:<storage>:<id>                      encoded record
//	<prefix>:idx:<storage>:<column>:<value>      set of ids
//	<prefix>:seq:<storage>                       id sequence
type Adapter struct {
	client   *redis.Client
	prefix   string
	codec    Codec
	metadata *gpa.MetadataRegistry
	logger   *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMetadata sets the registry used to extract foreign keys on write.
func WithMetadata(r *gpa.MetadataRegistry) Option {
	return func(a *Adapter) { a.metadata = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithCodec sets the record encoding. Defaults to JSON.
func WithCodec(c Codec) Option {
	return func(a *Adapter) { a.codec = c }
}

// WithKeyPrefix sets the namespace of every key. Defaults to "gpa".
func WithKeyPrefix(prefix string) Option {
	return func(a *Adapter) { a.prefix = prefix }
}

// Open creates a client for config and pings it. Options["redis"] accepts
// dial_timeout, read_timeout, write_timeout, key_prefix and codec
// ("json" or "msgpack").
func Open(ctx context.Context, config gpa.Config, opts ...Option) (*Adapter, error) {
	redisOpts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Username: config.Username,
		Password: config.Password,
		DB:       0, // Default database
	}
	if config.ConnectionURL != "" {
		parsed, err := redis.ParseURL(config.ConnectionURL)
		if err != nil {
			return nil, gpa.NewErrorWithCause(gpa.ErrorTypeConfiguration, "invalid redis url", err)
		}
		redisOpts = parsed
	}

	// Parse database number if provided
	if config.Database != "" {
		if db, err := strconv.Atoi(config.Database); err == nil {
			redisOpts.DB = db
		}
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		redisOpts.PoolSize = config.MaxOpenConns
	}
	if config.MaxIdleConns > 0 {
		redisOpts.MinIdleConns = config.MaxIdleConns
	}
	if config.ConnMaxLifetime > 0 {
		redisOpts.MaxConnAge = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		redisOpts.IdleTimeout = config.ConnMaxIdleTime
	}

	backend := config.BackendOptions("redis")
	if dialTimeout, ok := backend["dial_timeout"].(time.Duration); ok {
		redisOpts.DialTimeout = dialTimeout
	}
	if readTimeout, ok := backend["read_timeout"].(time.Duration); ok {
		redisOpts.ReadTimeout = readTimeout
	}
	if writeTimeout, ok := backend["write_timeout"].(time.Duration); ok {
		redisOpts.WriteTimeout = writeTimeout
	}

	var configured []Option
	if prefix, ok := backend["key_prefix"].(string); ok {
		configured = append(configured, WithKeyPrefix(prefix))
	}
	if name, ok := backend["codec"].(string); ok {
		codec, err := CodecByName(name)
		if err != nil {
			return nil, err
		}
		configured = append(configured, WithCodec(codec))
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to connect to Redis",
			Cause:   err,
		}
	}

	return New(client, append(configured, opts...)...), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:   client,
		prefix:   "gpa",
		codec:    JSONCodec{},
		metadata: gpa.Metadata(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = gpa.Logger()
	}
	a.logger = a.logger.With(zap.String("adapter", "redis"), zap.String("codec", a.codec.Name()))
	return a
}

// Client returns the underlying client.
func (a *Adapter) Client() *redis.Client {
	return a.client
}

// Dialect reports gpa.DialectRedis.
func (a *Adapter) Dialect() string {
	return gpa.DialectRedis
}

// Health pings the server.
func (a *Adapter) Health(ctx context.Context) error {
	return convertRedisError(a.client.Ping(ctx).Err())
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// =====================================
// Keys
// =====================================

func (a *Adapter) recordKey(meta *gpa.EntityMetadata, id string) string {
	return fmt.Sprintf("%s:%s:%s", a.prefix, meta.StorageName, id)
}

func (a *Adapter) indexKey(meta *gpa.EntityMetadata, column string, value any) string {
	return fmt.Sprintf("%s:idx:%s:%s:%s", a.prefix, meta.StorageName, column, gpa.IDKey(value))
}

func (a *Adapter) sequenceKey(meta *gpa.EntityMetadata) string {
	return fmt.Sprintf("%s:seq:%s", a.prefix, meta.StorageName)
}

// =====================================
// Error Conversion
// =====================================

func convertRedisError(err error) error {
	if err == nil {
		return nil
	}
	var gpaErr gpa.GPAError
	if errors.As(err, &gpaErr) {
		return err
	}

	if errors.Is(err, redis.Nil) {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeNotFound,
			Message: "key not found",
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConstraint,
			Message: "concurrent modification",
			Cause:   err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeTimeout,
			Message: "operation timeout",
			Cause:   err,
		}
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "closed") {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	return gpa.GPAError{
		Type:    gpa.ErrorTypeDatabase,
		Message: "Redis operation failed",
		Cause:   err,
	}
}
