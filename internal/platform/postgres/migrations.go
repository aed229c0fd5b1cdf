package postgres

import "embed"

// Migrations holds the embedded goose migration files. cmd/server applies
// them at startup via goose.SetBaseFS.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the path of the migration files inside Migrations.
const MigrationsDir = "migrations"
