// Package gpabun serves relationship lookups, cascade writes and compiled
// aggregation plans from a relational database through Bun.
package gpabun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/aggregate"
)

// =====================================
// Adapter
// =====================================

// Adapter implements gpa.Adapter, gpa.UnitOfWork and gpa.Executor on a
// *bun.DB. Rows are read and written through table expressions, so entity
// structs need no bun tags.
type Adapter struct {
	db       *bun.DB
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

// Open connects to the database described by config. For PostgreSQL the
// lib/pq driver is used unless Options["bun"]["driver"] is "pgdriver".
func Open(config gpa.Config, opts ...Option) (*Adapter, error) {
	bunOpts := config.BackendOptions("bun")

	var (
		sqlDB *sql.DB
		err   error
	)
	dialect := gpa.NormalizeDialect(config.Driver)
	switch dialect {
	case gpa.DialectPgSQL:
		driver, _ := bunOpts["driver"].(string)
		sqlDB, err = createPostgresConnection(config, driver)
	case gpa.DialectMySQL:
		sqlDB, err = createMySQLConnection(config)
	case gpa.DialectSQLite:
		sqlDB, err = createSQLiteConnection(config)
	default:
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeUnsupported,
			Message: fmt.Sprintf("unsupported driver: %s", config.Driver),
		}
	}
	if err != nil {
		return nil, gpa.GPAError{
			Type:    gpa.ErrorTypeConnection,
			Message: "failed to connect to database",
			Cause:   err,
		}
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if dialect == gpa.DialectSQLite && config.ConnectionURL == "" && config.Database == ":memory:" {
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

	var bunDB *bun.DB
	switch dialect {
	case gpa.DialectPgSQL:
		bunDB = bun.NewDB(sqlDB, pgdialect.New())
	case gpa.DialectMySQL:
		bunDB = bun.NewDB(sqlDB, mysqldialect.New())
	case gpa.DialectSQLite:
		bunDB = bun.NewDB(sqlDB, sqlitedialect.New())
	}

	// Add query hook for logging if enabled
	if logLevel, ok := bunOpts["log_level"].(string); ok && logLevel != "silent" {
		bunDB.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(logLevel == "debug"),
		))
	}

	return New(bunDB, opts...), nil
}

// New wraps an open *bun.DB.
func New(db *bun.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:       db,
		dialect:  gpa.NormalizeDialect(db.Dialect().Name().String()),
		metadata: gpa.Metadata(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = gpa.Logger()
	}
	a.logger = a.logger.With(zap.String("adapter", "bun"), zap.String("dialect", a.dialect))
	return a
}

// DB returns the underlying *bun.DB.
func (a *Adapter) DB() *bun.DB {
	return a.db
}

// Dialect returns the normalized dialect name.
func (a *Adapter) Dialect() string {
	return a.dialect
}

// Health pings the database.
func (a *Adapter) Health(ctx context.Context) error {
	return convertBunError(a.db.PingContext(ctx))
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// =====================================
// Lookups
// =====================================

// FindBy implements gpa.Adapter.
func (a *Adapter) FindBy(ctx context.Context, meta *gpa.EntityMetadata, column string, value any, limit int) ([]gpa.Row, error) {
	query := a.selectFrom(meta)
	if value == nil {
		query = query.Where("? IS NULL", bun.Ident(column))
	} else {
		query = query.Where("? = ?", bun.Ident(column), value)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	return a.scan(ctx, query)
}

// FindIn implements gpa.Adapter.
func (a *Adapter) FindIn(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]gpa.Row, error) {
	if len(values) == 0 {
		return nil, nil
	}
	query := a.selectFrom(meta).Where("? IN (?)", bun.Ident(column), bun.In(values))
	return a.scan(ctx, query)
}

func (a *Adapter) selectFrom(meta *gpa.EntityMetadata) *bun.SelectQuery {
	return a.db.NewSelect().
		TableExpr("?", bun.Ident(meta.StorageName)).
		ColumnExpr("*")
}

func (a *Adapter) scan(ctx context.Context, query *bun.SelectQuery) ([]gpa.Row, error) {
	rows, err := query.Rows(ctx)
	if err != nil {
		return nil, convertBunError(err)
	}
	out, err := gpa.ScanRows(rows)
	return out, convertBunError(err)
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
	_, err = a.db.NewInsert().
		Model(&values).
		TableExpr("?", bun.Ident(meta.StorageName)).
		Exec(ctx)
	return convertBunError(err)
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
	_, err = a.db.NewUpdate().
		Model(&values).
		TableExpr("?", bun.Ident(meta.StorageName)).
		Where("? = ?", bun.Ident(pk), meta.ID(entity)).
		Exec(ctx)
	return convertBunError(err)
}

// Delete implements gpa.UnitOfWork.
func (a *Adapter) Delete(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	if err := gpa.RequirePointer(entity); err != nil {
		return err
	}
	result, err := a.db.ExecContext(ctx, "DELETE FROM ? WHERE ? = ?",
		bun.Ident(meta.StorageName),
		bun.Ident(meta.PrimaryKey.StorageName),
		meta.ID(entity))
	if err != nil {
		return convertBunError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
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

// Execute implements gpa.Executor. The statement goes to database/sql
// directly; Bun's formatter would otherwise rewrite its placeholders.
func (a *Adapter) Execute(ctx context.Context, meta *gpa.EntityMetadata, plan *gpa.CompiledPlan) ([]gpa.Row, error) {
	if plan.Target != gpa.PlanStatement {
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("bun cannot execute %s plans", plan.Target))
	}
	if plan.Dialect != a.dialect {
		return nil, gpa.NewError(gpa.ErrorTypeValidation,
			fmt.Sprintf("plan compiled for %s, database is %s", plan.Dialect, a.dialect))
	}
	a.logger.Debug("execute", zap.String("sql", plan.Statement), zap.Int("params", len(plan.Params)))

	rows, err := a.db.DB.QueryContext(ctx, plan.Statement, plan.Params...)
	if err != nil {
		return nil, convertBunError(err)
	}
	out, err := gpa.ScanRows(rows)
	return out, convertBunError(err)
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
// Database Connections
// =====================================

// createPostgresConnection creates a PostgreSQL connection
func createPostgresConnection(config gpa.Config, driver string) (*sql.DB, error) {
	dsn := config.ConnectionURL
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			config.Username, config.Password, config.Host, config.Port, config.Database)
		if config.SSL.Enabled {
			dsn = strings.Replace(dsn, "sslmode=disable", "sslmode="+config.SSL.Mode, 1)
		}
	}

	if driver == "pgdriver" {
		return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), nil
	}
	return sql.Open("postgres", dsn)
}

// createMySQLConnection creates a MySQL connection
func createMySQLConnection(config gpa.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("mysql", config.ConnectionURL)
	}

	mysqlConfig := mysql.NewConfig()
	mysqlConfig.User = config.Username
	mysqlConfig.Passwd = config.Password
	mysqlConfig.Net = "tcp"
	mysqlConfig.Addr = fmt.Sprintf("%s:%d", config.Host, config.Port)
	mysqlConfig.DBName = config.Database
	mysqlConfig.ParseTime = true

	return sql.Open("mysql", mysqlConfig.FormatDSN())
}

// createSQLiteConnection creates a SQLite connection
func createSQLiteConnection(config gpa.Config) (*sql.DB, error) {
	if config.ConnectionURL != "" {
		return sql.Open("sqlite3", config.ConnectionURL)
	}
	return sql.Open("sqlite3", config.Database)
}

// =====================================
// Error Conversion
// =====================================

// convertBunError converts Bun errors to GPA errors
func convertBunError(err error) error {
	if err == nil {
		return nil
	}
	var gpaErr gpa.GPAError
	if errors.As(err, &gpaErr) {
		return err
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		if pgErr.Field('C') == "23505" {
			return gpa.GPAError{
				Type:    gpa.ErrorTypeDuplicate,
				Message: "duplicate key violation",
				Cause:   err,
			}
		}
		return gpa.GPAError{
			Type:    gpa.ErrorTypeConstraint,
			Message: "constraint violation",
			Cause:   err,
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return gpa.GPAError{
			Type:    gpa.ErrorTypeTimeout,
			Message: "operation timeout",
			Cause:   err,
		}
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
	default:
		return gpa.GPAError{
			Type:    gpa.ErrorTypeDatabase,
			Message: "database operation failed",
			Cause:   err,
		}
	}
}
