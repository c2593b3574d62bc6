package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validIdent rejects table names that cannot be safely interpolated into
// DDL/DML. Every dynamic name in this package is machine-generated from
// sanitized catalog input, so a failure here is a programming error upstream.
func validIdent(name string) error {
	if len(name) == 0 || len(name) > 63 {
		return fmt.Errorf("invalid table name %q", name)
	}
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// tableRegistry tracks which dynamically named tables this process has
// already ensured. CREATE TABLE IF NOT EXISTS is idempotent but not free;
// the registry keeps the common path to a map lookup.
type tableRegistry struct {
	mu      sync.Mutex
	ensured map[string]bool
}

func newTableRegistry() *tableRegistry {
	return &tableRegistry{ensured: make(map[string]bool)}
}

// ensure runs ddl for table exactly once per process lifetime. Concurrent
// callers for the same table serialize; the loser sees the table marked and
// skips the DDL.
func (r *tableRegistry) ensure(ctx context.Context, db *sql.DB, table string, ddl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ensured[table] {
		return nil
	}
	if err := validIdent(table); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure table %s: %w", table, err)
	}
	r.ensured[table] = true
	slog.Debug("[Postgres] Ensured table", "table", table)
	return nil
}

// forget drops a table from the registry after a DROP TABLE, so a later
// write recreates it.
func (r *tableRegistry) forget(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ensured, table)
}
