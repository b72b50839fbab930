package gpa

import "strings"

// Dialect constants
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
	DialectPgSQL  = "pgsql"
	DialectMsSQL  = "mssql"
	DialectMongo  = "mongo"
	DialectRedis  = "redis"
)

// SupportedDialects is a list of all supported database dialects
var SupportedDialects = []string{
	DialectSQLite,
	DialectMySQL,
	DialectPgSQL,
	DialectMsSQL,
	DialectMongo,
	DialectRedis,
}

// IsDialectSupported checks if the given dialect is supported
func IsDialectSupported(dialect string) bool {
	for _, d := range SupportedDialects {
		if d == dialect {
			return true
		}
	}
	return false
}

// NormalizeDialect maps driver names ("postgres", "sqlite3", "sqlserver",
// "mongodb", ...) onto the dialect constants. Unknown names are returned
// lower-cased so callers can report them.
func NormalizeDialect(name string) string {
	switch n := strings.ToLower(name); n {
	case "postgres", "postgresql", "pg", DialectPgSQL:
		return DialectPgSQL
	case "mysql", "mariadb":
		return DialectMySQL
	case "sqlite", "sqlite3":
		return DialectSQLite
	case "sqlserver", "mssql":
		return DialectMsSQL
	case "mongo", "mongodb":
		return DialectMongo
	default:
		return n
	}
}
