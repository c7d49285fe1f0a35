package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Statements returns the DDL statements of the named schema file
// ("mysql" or "postgres"), split on semicolons.
func Statements(dialect string) ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + dialect + ".sql")
	if err != nil {
		return nil, fmt.Errorf("read %s schema: %w", dialect, err)
	}
	var out []string
	for _, stmt := range strings.Split(string(raw), ";") {
		if s := strings.TrimSpace(stmt); s != "" && !isComment(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func isComment(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// MigrateMySQL creates the ledger tables if they do not exist.
func MigrateMySQL(ctx context.Context, db *sql.DB) error {
	stmts, err := Statements("mysql")
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate mysql: %w", err)
		}
	}
	return nil
}

// MigratePostgres creates the ledger tables if they do not exist.
func MigratePostgres(ctx context.Context, db PgxIface) error {
	stmts, err := Statements("postgres")
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}
