package gpa

import (
	"testing"
	"time"
)

func TestConfig(t *testing.T) {
	config := Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		Database:        "testdb",
		Username:        "user",
		Password:        "pass",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
		SSL: SSLConfig{
			Enabled:  true,
			Mode:     "require",
			CertFile: "/path/to/cert",
			KeyFile:  "/path/to/key",
			CAFile:   "/path/to/ca",
		},
		Options: map[string]interface{}{
			"timeout": "30s",
		},
	}

	if config.Driver != "postgres" {
		t.Errorf("Expected driver 'postgres', got '%s'", config.Driver)
	}
	if config.Port != 5432 {
		t.Errorf("Expected port 5432, got %d", config.Port)
	}
	if !config.SSL.Enabled {
		t.Error("Expected SSL to be enabled")
	}
	if config.Options["timeout"] != "30s" {
		t.Errorf("Expected timeout '30s', got '%v'", config.Options["timeout"])
	}
}

func TestSSLConfig(t *testing.T) {
	ssl := SSLConfig{
		Enabled:  true,
		Mode:     "require",
		CertFile: "/cert.pem",
		KeyFile:  "/key.pem",
		CAFile:   "/ca.pem",
	}

	if !ssl.Enabled {
		t.Error("Expected SSL to be enabled")
	}
	if ssl.Mode != "require" {
		t.Errorf("Expected mode 'require', got '%s'", ssl.Mode)
	}
}

func TestBackendOptions(t *testing.T) {
	config := Config{
		Options: map[string]interface{}{
			"redis": map[string]interface{}{"key_prefix": "app"},
			"flat":  "value",
		},
	}

	redis := config.BackendOptions("redis")
	if redis["key_prefix"] != "app" {
		t.Errorf("Expected key_prefix 'app', got '%v'", redis["key_prefix"])
	}
	if config.BackendOptions("flat") != nil {
		t.Error("Expected non-map option to yield nil")
	}
	if config.BackendOptions("mongo") != nil {
		t.Error("Expected missing backend to yield nil")
	}
	if (Config{}).BackendOptions("redis") != nil {
		t.Error("Expected nil options to yield nil")
	}
}

func TestOperators(t *testing.T) {
	valid := []Operator{
		OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpIn,
	}
	for _, op := range valid {
		if !op.Valid() {
			t.Errorf("Expected %s to be valid", op)
		}
	}

	for _, op := range []Operator{"LIKE", "BETWEEN", ""} {
		if op.Valid() {
			t.Errorf("Expected %q to be invalid", op)
		}
	}
}

func TestCascadeOp(t *testing.T) {
	tests := []struct {
		ops      CascadeOp
		op       CascadeOp
		expected bool
	}{
		{CascadeAll, CascadeInsert, true},
		{CascadeAll, CascadeInsert | CascadeDelete, true},
		{CascadeInsert, CascadeDelete, false},
		{CascadeInsert | CascadeUpdate, CascadeAll, false},
		{CascadeAll, CascadeNone, false},
	}

	for _, tt := range tests {
		if got := tt.ops.Has(tt.op); got != tt.expected {
			t.Errorf("%s.Has(%s) = %v, expected %v", tt.ops, tt.op, got, tt.expected)
		}
	}

	if CascadeAll.String() != "all" {
		t.Errorf("Expected 'all', got '%s'", CascadeAll.String())
	}
	if (CascadeInsert | CascadeDelete).String() != "cascade(5)" {
		t.Errorf("Expected 'cascade(5)', got '%s'", (CascadeInsert | CascadeDelete).String())
	}
}

func TestNormalizeDialect(t *testing.T) {
	tests := map[string]string{
		"postgres":  DialectPgSQL,
		"PG":        DialectPgSQL,
		"mariadb":   DialectMySQL,
		"sqlite3":   DialectSQLite,
		"sqlserver": DialectMsSQL,
		"mongodb":   DialectMongo,
		"Oracle":    "oracle",
	}

	for in, expected := range tests {
		if got := NormalizeDialect(in); got != expected {
			t.Errorf("NormalizeDialect(%q) = %q, expected %q", in, got, expected)
		}
	}

	if !IsDialectSupported(DialectRedis) || IsDialectSupported("oracle") {
		t.Error("Unexpected dialect support")
	}
}

func TestOrder(t *testing.T) {
	order := Order{
		Field:     "cnt",
		Direction: OrderDesc,
	}

	if order.Field != "cnt" {
		t.Errorf("Expected field 'cnt', got '%s'", order.Field)
	}
	if order.Direction != OrderDesc {
		t.Errorf("Expected direction DESC, got '%s'", order.Direction)
	}
}
