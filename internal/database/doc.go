// Package database provides the PostgreSQL connection pool used by the
// event archive, plus the archive table schema.
package database
