package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/glyphware/grimoire/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaRevisions are the schema scripts in the order they apply. The
// database's PRAGMA user_version records how many have run, so startup only
// executes the tail it has not seen yet.
var schemaRevisions = []string{initialSchema}

func applySchema(ctx context.Context, db *sql.DB) error {
	var applied int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&applied); err != nil {
		return schema.NewError(schema.ErrCodeStore, "read schema version").WithCause(err)
	}

	for rev := applied; rev < len(schemaRevisions); rev++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "begin schema revision %d", rev+1).WithCause(err)
		}
		for _, stmt := range sqlStatements(schemaRevisions[rev]) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return schema.NewErrorf(schema.ErrCodeStore, "apply schema revision %d", rev+1).WithCause(err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", rev+1)); err != nil {
			_ = tx.Rollback()
			return schema.NewErrorf(schema.ErrCodeStore, "stamp schema revision %d", rev+1).WithCause(err)
		}
		if err := tx.Commit(); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "commit schema revision %d", rev+1).WithCause(err)
		}
	}
	return nil
}

// sqlStatements strips comment lines, then splits the script on semicolons.
// Good enough for plain DDL; scripts here carry no triggers or procedures.
func sqlStatements(script string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteByte('\n')
	}

	var stmts []string
	for _, chunk := range strings.Split(clean.String(), ";") {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			stmts = append(stmts, chunk)
		}
	}
	return stmts
}
