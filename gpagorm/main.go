// Package gpagorm serves relationship lookups, cascade writes and compiled
// aggregation plans from a relational database through GORM.
package gpagorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/aggregate"
)

// =====================================
// Adapter
// =====================================

// Adapter implements gpa.Adapter, gpa.UnitOfWork and gpa.Executor on a
// *gorm.DB. Entities are read and written as column maps described by
// their metadata, so no GORM model tags are required.
type Adapter struct {
	db       *gorm.DB
	dialect  string
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

// Open connects to the database described by config.
func Open(config gpa.Config, opts ...Option) (*Adapter, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
	}

	if gormOpts := config.BackendOptions("gorm"); gormOpts != nil {
		if logLevel, ok := gormOpts["log_level"].(string); ok {
			switch logLevel {
			case "silent":
				gormConfig.Logger = logger.Default.LogMode(logger.Silent)
			case "error":
				gormConfig.Logger = logger.Default.LogMode(logger.Error)
			case "warn":
				gormConfig.Logger = logger.Default.LogMode(logger.Warn)
			case "info":
				gormConfig.Logger = logger.Default.LogMode(logger.Info)
			}
		}
		if singularTable, ok := gormOpts["singular_table"].(bool); ok {
			gormConfig.NamingStrategy = schema.NamingStrategy{
				SingularTable: singularTable,
			}
		}
	}

	dialect := gpa.NormalizeDialect(config.Driver)
	var dialector gorm.Dialector
	switch dialect {
	case gpa.DialectPgSQL:
		dialector = postgres.Open(buildPostgresDSN(config))
	case gpa.DialectMySQL:
		dialector = mysql.Open(buildMySQLDSN(config))
	case gpa.DialectSQLite:
		dialector = sqlite.Open(buildSQLiteDSN(config))
	case gpa.DialectMsSQL:
		dialector = sqlserver.Open(buildSQLServerDSN(config))
	default:
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeUnsupported,
			Message: fmt.Sprintf("unsupported driver: %s", config.Driver),
		}
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to connect to database",
			Cause:   err,
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to get underlying sql.DB",
			Cause:   err,
		}
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	// Each connection to :memory: opens its own database.
	if dialect == gpa.DialectSQLite && buildSQLiteDSN(config) == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	return New(db, opts...), nil
}

// New wraps an open *gorm.DB.
func New(db *gorm.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:       db,
		dialect:  gpa.NormalizeDialect(db.Dialector.Name()),
		metadata: gpa.Metadata(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = gpa.Logger()
	}
	a.logger = a.logger.With(zap.String("adapter", "gorm"), zap.String("dialect", a.dialect))
	return a
}

// DB returns the underlying *gorm.DB.
func (a *Adapter) DB() *gorm.DB {
	return a.db
}

// Dialect returns the normalized dialect name, e.g. "pgsql".
func (a *Adapter) Dialect() string {
	return a.dialect
}

// Health pings the database.
func (a *Adapter) Health(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to get underlying sql.DB",
			Cause:   err,
		}
	}
	return convertGormError(sqlDB.PingContext(ctx))
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =====================================
// Lookups
// =====================================

// FindBy implements gpa.Adapter.
func (a *Adapter) FindBy(ctx context.Context, meta *gpa.EntityMetadata, column string, value any, limit int) ([]gpa.Row, error) {
	query := a.db.WithContext(ctx).
		Table(meta.StorageName).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: value})
	if limit > 0 {
		query = query.Limit(limit)
	}
	return a.scan(query)
}

// FindIn implements gpa.Adapter.
func (a *Adapter) FindIn(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]gpa.Row, error) {
	if len(values) == 0 {
		return nil, nil
	}
	query := a.db.WithContext(ctx).
		Table(meta.StorageName).
		Where(clause.IN{Column: clause.Column{Name: column}, Values: values})
	return a.scan(query)
}

func (a *Adapter) scan(query *gorm.DB) ([]gpa.Row, error) {
	rows, err := query.Rows()
	if err != nil {
		return nil, convertGormError(err)
	}
	out, err := gpa.ScanRows(rows)
	return out, convertGormError(err)
}

// =====================================
// Unit of Work
// =====================================

// Insert implements gpa.UnitOfWork. A zero primary key is left to the
// database to generate.
func (a *Adapter) Insert(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	values := row.Map()
	if gpa.IsZeroID(meta.ID(entity)) {
		delete(values, meta.PrimaryKey.StorageName)
	}
	result := a.db.WithContext(ctx).Table(meta.StorageName).Create(values)
	a.logger.Debug("insert", zap.String("table", meta.StorageName), zap.Int64("rows", result.RowsAffected))
	return convertGormError(result.Error)
}

// Update implements gpa.UnitOfWork.
func (a *Adapter) Update(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	pk := meta.PrimaryKey.StorageName
	values := row.Map()
	delete(values, pk)
	result := a.db.WithContext(ctx).
		Table(meta.StorageName).
		Where(clause.Eq{Column: clause.Column{Name: pk}, Value: meta.ID(entity)}).
		Updates(values)
	a.logger.Debug("update", zap.String("table", meta.StorageName), zap.Int64("rows", result.RowsAffected))
	return convertGormError(result.Error)
}

// Delete implements gpa.UnitOfWork.
func (a *Adapter) Delete(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	if err := gpa.RequirePointer(entity); err != nil {
		return err
	}
	result := a.db.WithContext(ctx).Exec("DELETE FROM ? WHERE ? = ?",
		clause.Table{Name: meta.StorageName},
		clause.Column{Name: meta.PrimaryKey.StorageName},
		meta.ID(entity))
	if result.Error != nil {
		return convertGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return gpa.GPAError{
			Type:    gpa.ErrorTypeNotFound,
			Message: fmt.Sprintf("%s %v not found", meta.Name, meta.ID(entity)),
		}
	}
	return nil
}

// =====================================
// Aggregation
// =====================================

// Execute implements gpa.Executor. The statement is sent as compiled,
// bypassing GORM's placeholder rewriting.
func (a *Adapter) Execute(ctx context.Context, meta *gpa.EntityMetadata, plan *gpa.CompiledPlan) ([]gpa.Row, error) {
	if plan.Target != gpa.PlanStatement {
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("gorm cannot execute %s plans", plan.Target))
	}
	if plan.Dialect != a.dialect {
		return nil, gpa.NewError(gpa.ErrorTypeValidation,
			fmt.Sprintf("plan compiled for %s, database is %s", plan.Dialect, a.dialect))
	}
	a.logger.Debug("execute", zap.String("sql", plan.Statement), zap.Int("params", len(plan.Params)))

	rows, err := a.db.WithContext(ctx).Statement.ConnPool.QueryContext(ctx, plan.Statement, plan.Params...)
	if err != nil {
		return nil, convertGormError(err)
	}
	out, err := gpa.ScanRows(rows)
	return out, convertGormError(err)
}

// Aggregate compiles q for this database and executes it.
func (a *Adapter) Aggregate(ctx context.Context, meta *gpa.EntityMetadata, q gpa.AggregationQuery) ([]gpa.Row, error) {
	plan, err := aggregate.NewSQL(a.dialect, aggregate.WithLogger(a.logger)).Compile(q, meta)
	if err != nil {
		return nil, err
	}
	return a.Execute(ctx, meta, plan)
}

// =====================================
// Error Conversion
// =====================================

// convertGormError converts GORM errors to GPA errors
func convertGormError(err error) error {
	if err == nil {
		return nil
	}
	var gpaErr gpa.GPAError
	if errors.As(err, &gpaErr) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrNotImplemented), errors.Is(err, gorm.ErrUnsupportedRelation):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeUnsupported,
			Message: "operation not supported",
			Cause:   err,
		}
	case errors.Is(err, gorm.ErrMissingWhereClause),
		errors.Is(err, gorm.ErrPrimaryKeyRequired),
		errors.Is(err, gorm.ErrModelValueRequired),
		errors.Is(err, gorm.ErrInvalidData):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeValidation,
			Message: err.Error(),
			Cause:   err,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeTimeout,
			Message: "operation timeout",
			Cause:   err,
		}
	}

	// Check for common database constraint errors
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "duplicate") || strings.Contains(errStr, "unique"):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeDuplicate,
			Message: "duplicate key violation",
			Cause:   err,
		}
	case strings.Contains(errStr, "foreign key") || strings.Contains(errStr, "constraint"):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConstraint,
			Message: "constraint violation",
			Cause:   err,
		}
	case strings.Contains(errStr, "timeout"):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeTimeout,
			Message: "operation timeout",
			Cause:   err,
		}
	case strings.Contains(errStr, "connection"):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "connection error",
			Cause:   err,
		}
	}

	return gpa.GPAError{
		Type:    gpa.ErrorTypeDatabase,
		Message: "database operation failed",
		Cause:   err,
	}
}

// =====================================
// DSN Builders
// =====================================

func buildPostgresDSN(config gpa.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database)

	if config.SSL.Enabled {
		dsn += " sslmode=" + config.SSL.Mode
		if config.SSL.CertFile != "" {
			dsn += " sslcert=" + config.SSL.CertFile
		}
		if config.SSL.KeyFile != "" {
			dsn += " sslkey=" + config.SSL.KeyFile
		}
		if config.SSL.CAFile != "" {
			dsn += " sslrootcert=" + config.SSL.CAFile
		}
	} else {
		dsn += " sslmode=disable"
	}

	return dsn
}

func buildMySQLDSN(config gpa.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	if config.SSL.Enabled {
		dsn += "&tls=" + config.SSL.Mode
	}

	return dsn
}

func buildSQLiteDSN(config gpa.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}
	return config.Database
}

func buildSQLServerDSN(config gpa.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		config.Username, config.Password, config.Host, config.Port, config.Database)
}
