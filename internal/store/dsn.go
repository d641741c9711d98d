package store

import "strings"

// DetectDSNType classifies a database DSN as "postgres" or "sqlite".
// PostgreSQL is recognized by URL scheme or key=value connection strings;
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
