// Package migration holds the SQL schema migrations of the docflow database.
// The files are applied in order by cmd/migration through golang-migrate.
package migration

// TargetSchemaVersion determines the database schema version.
const TargetSchemaVersion uint = 2
