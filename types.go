package gpa

import (
	"fmt"
	"time"
)

// =====================================
// Core Types and Constants
// =====================================

// Config represents database connection configuration
type Config struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver" mapstructure:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url" mapstructure:"connection_url"`
	Host          string `json:"host" yaml:"host" mapstructure:"host"`
	Port          int    `json:"port" yaml:"port" mapstructure:"port"`
	Database      string `json:"database" yaml:"database" mapstructure:"database"`
	Username      string `json:"username" yaml:"username" mapstructure:"username"`
	Password      string `json:"password" yaml:"password" mapstructure:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// Additional options, keyed by backend ("gorm", "bun", "mongo", "redis")
	Options map[string]interface{} `json:"options" yaml:"options" mapstructure:"options"`

	// SSL/TLS configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl" mapstructure:"ssl"`
}

// SSLConfig represents SSL/TLS configuration
type SSLConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Mode     string `json:"mode" yaml:"mode" mapstructure:"mode"`
	CertFile string `json:"cert_file" yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file" mapstructure:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file" mapstructure:"ca_file"`
}

// BackendOptions returns the option map for one backend, or nil.
func (c Config) BackendOptions(backend string) map[string]interface{} {
	if c.Options == nil {
		return nil
	}
	if opts, ok := c.Options[backend].(map[string]interface{}); ok {
		return opts
	}
	return nil
}

// Operator represents a comparison operator usable in filters and
// per-row aggregate conditions.
type Operator string

const (
	OpEqual              Operator = "="
	OpNotEqual           Operator = "!="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpIn                 Operator = "IN"
)

// Valid reports whether op is part of the supported vocabulary.
func (op Operator) Valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpIn:
		return true
	}
	return false
}

// Order represents sorting order
type Order struct {
	Field     string         `yaml:"field"`
	Direction OrderDirection `yaml:"direction"`
}

// OrderDirection represents sort direction
type OrderDirection string

const (
	OrderAsc  OrderDirection = "ASC"
	OrderDesc OrderDirection = "DESC"
)

// RelationKind is the closed set of association shapes.
type RelationKind string

const (
	KindManyToOne RelationKind = "many_to_one"
	KindOneToOne  RelationKind = "one_to_one"
	KindOneToMany RelationKind = "one_to_many"
)

func (k RelationKind) String() string { return string(k) }

// CascadeOp is a bit set of write operations propagated to owned associations.
type CascadeOp uint8

const (
	CascadeInsert CascadeOp = 1 << iota
	CascadeUpdate
	CascadeDelete

	CascadeNone CascadeOp = 0
	CascadeAll            = CascadeInsert | CascadeUpdate | CascadeDelete
)

// Has reports whether every bit of op is set.
func (c CascadeOp) Has(op CascadeOp) bool {
	return op != 0 && c&op == op
}

func (c CascadeOp) String() string {
	switch c {
	case CascadeNone:
		return "none"
	case CascadeInsert:
		return "insert"
	case CascadeUpdate:
		return "update"
	case CascadeDelete:
		return "delete"
	case CascadeAll:
		return "all"
	}
	return fmt.Sprintf("cascade(%d)", uint8(c))
}

// Consistency is a per-field hint for backends with tunable reads.
type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyEventual Consistency = "eventual"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeDuplicate     ErrorType = "duplicate"
	ErrorTypeConnection    ErrorType = "connection"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeConstraint    ErrorType = "constraint"
	ErrorTypeUnsupported   ErrorType = "unsupported"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeSerialization ErrorType = "serialization"
	ErrorTypeDatabase      ErrorType = "database"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCardinality   ErrorType = "cardinality"
)
