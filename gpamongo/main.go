// Package gpamongo serves relationship lookups, cascade writes and compiled
// aggregation pipelines from MongoDB.
package gpamongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// =====================================
// Adapter
// =====================================

// Adapter implements gpa.Adapter, gpa.UnitOfWork and gpa.Executor on a
// MongoDB database. Each entity lives in the collection named by its
// storage name; the primary-key column is stored as _id.
type Adapter struct {
	client   *mongo.Client
	database *mongo.Database
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

// Connect opens a client for config and pings the primary.
func Connect(ctx context.Context, config gpa.Config, opts ...Option) (*Adapter, error) {
	clientOpts := options.Client().ApplyURI(buildConnectionURI(config))
	if mongoOpts := config.BackendOptions("mongo"); mongoOpts != nil {
		applyClientOptions(clientOpts, mongoOpts)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to connect to MongoDB",
			Cause:   err,
		}
	}

	// Test the connection
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to ping MongoDB",
			Cause:   err,
		}
	}

	return New(client.Database(config.Database), opts...), nil
}

// New wraps an existing database handle.
func New(db *mongo.Database, opts ...Option) *Adapter {
	a := &Adapter{
		client:   db.Client(),
		database: db,
		metadata: gpa.Metadata(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = gpa.Logger()
	}
	a.logger = a.logger.With(zap.String("adapter", "mongo"), zap.String("database", db.Name()))
	return a
}

// Database returns the underlying database handle.
func (a *Adapter) Database() *mongo.Database {
	return a.database
}

// Dialect reports gpa.DialectMongo.
func (a *Adapter) Dialect() string {
	return gpa.DialectMongo
}

// Health pings the primary.
func (a *Adapter) Health(ctx context.Context) error {
	return convertMongoError(a.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client.
func (a *Adapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

func (a *Adapter) collection(meta *gpa.EntityMetadata) *mongo.Collection {
	return a.database.Collection(meta.StorageName)
}

// =====================================
// Connection Options
// =====================================

// buildConnectionURI builds MongoDB connection URI
func buildConnectionURI(config gpa.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	uri := "mongodb://"

	// Add credentials if provided
	if config.Username != "" {
		uri += config.Username
		if config.Password != "" {
			uri += ":" + config.Password
		}
		uri += "@"
	}

	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 27017
	}
	uri += fmt.Sprintf("%s:%d", host, port)

	if config.Database != "" {
		uri += "/" + config.Database
	}

	if config.SSL.Enabled {
		uri += "?tls=true"
		if config.SSL.CAFile != "" {
			uri += "&tlsCAFile=" + config.SSL.CAFile
		}
		if config.SSL.CertFile != "" {
			uri += "&tlsCertificateKeyFile=" + config.SSL.CertFile
		}
	}

	return uri
}

// applyClientOptions applies MongoDB-specific client options
func applyClientOptions(clientOpts *options.ClientOptions, mongoOpts map[string]interface{}) {
	if maxPoolSize, ok := mongoOpts["max_pool_size"].(int); ok {
		clientOpts.SetMaxPoolSize(uint64(maxPoolSize))
	}
	if minPoolSize, ok := mongoOpts["min_pool_size"].(int); ok {
		clientOpts.SetMinPoolSize(uint64(minPoolSize))
	}
	if maxIdleTime, ok := mongoOpts["max_idle_time"].(time.Duration); ok {
		clientOpts.SetMaxConnIdleTime(maxIdleTime)
	}
	if appName, ok := mongoOpts["app_name"].(string); ok {
		clientOpts.SetAppName(appName)
	}
}
