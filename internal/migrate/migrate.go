// Package migrate applies the SQL schema and seed files under migrations/.
// Applied files are recorded with a content checksum so drift after apply is
// caught instead of silently ignored.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"carebid.org/internal/obs"
)

const (
	migrationsTable = "carebid_schema_migrations"
	seedsTable      = "carebid_schema_seeds"
)

// Record is one applied migration or seed.
type Record struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Runner executes migrations and seeds from disk against one database.
type Runner struct {
	db      *sql.DB
	dir     string
	seedDir string
}

func New(db *sql.DB, migrationsDir, seedsDir string) *Runner {
	return &Runner{db: db, dir: migrationsDir, seedDir: seedsDir}
}

// Up applies every pending .up.sql file in lexical order and returns the
// names applied. An already-applied file whose content changed on disk is an
// error.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := r.records(ctx, migrationsTable)
	if err != nil {
		return nil, err
	}
	files, err := listSQL(r.dir, ".up.sql")
	if err != nil {
		return nil, err
	}

	var done []string
	for _, f := range files {
		sum, err := checksumFile(f.path)
		if err != nil {
			return done, err
		}
		if rec, ok := applied[f.name]; ok {
			if rec.Checksum != sum {
				return done, fmt.Errorf("migration %s changed after it was applied", f.name)
			}
			continue
		}
		if err := r.execFile(ctx, f.path); err != nil {
			return done, fmt.Errorf("apply %s: %w", f.name, err)
		}
		if err := r.record(ctx, migrationsTable, f.name, sum); err != nil {
			return done, err
		}
		lg := obs.Logger()
		lg.Info().Str("migration", f.name).Msg("migration applied")
		done = append(done, f.name)
	}
	return done, nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart and returns the rolled-back name.
func (r *Runner) Down(ctx context.Context) (string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return "", err
	}
	history, err := r.history(ctx, migrationsTable)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", errors.New("nothing to roll back")
	}
	last := history[len(history)-1]
	downPath := filepath.Join(r.dir, strings.TrimSuffix(last.Name, ".up.sql")+".down.sql")
	if _, err := os.Stat(downPath); err != nil {
		return "", fmt.Errorf("no down migration for %s", last.Name)
	}
	if err := r.execFile(ctx, downPath); err != nil {
		return "", fmt.Errorf("roll back %s: %w", last.Name, err)
	}
	if _, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last.Name); err != nil {
		return "", err
	}
	lg := obs.Logger()
	lg.Info().Str("migration", last.Name).Msg("migration rolled back")
	return last.Name, nil
}

// Seed applies every pending seed file once. Seeds never roll back.
func (r *Runner) Seed(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := r.records(ctx, seedsTable)
	if err != nil {
		return nil, err
	}
	files, err := listSQL(r.seedDir, ".sql")
	if err != nil {
		return nil, err
	}

	var done []string
	for _, f := range files {
		if _, ok := applied[f.name]; ok {
			continue
		}
		sum, err := checksumFile(f.path)
		if err != nil {
			return done, err
		}
		if err := r.execFile(ctx, f.path); err != nil {
			return done, fmt.Errorf("apply seed %s: %w", f.name, err)
		}
		if err := r.record(ctx, seedsTable, f.name, sum); err != nil {
			return done, err
		}
		lg := obs.Logger()
		lg.Info().Str("seed", f.name).Msg("seed applied")
		done = append(done, f.name)
	}
	return done, nil
}

// Status returns applied migrations in apply order.
func (r *Runner) Status(ctx context.Context) ([]Record, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, migrationsTable)
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name       text primary key,
				checksum   text not null,
				applied_at timestamptz not null default now()
			)`, table)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// execFile runs all statements of one file inside a single transaction.
func (r *Runner) execFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name, checksum string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)`, table),
		name, checksum, time.Now().UTC())
	return err
}

func (r *Runner) records(ctx context.Context, table string) (map[string]Record, error) {
	history, err := r.history(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(history))
	for _, rec := range history {
		out[rec.Name] = rec
	}
	return out, nil
}

func (r *Runner) history(ctx context.Context, table string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Checksum, &rec.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqlFile struct {
	name string
	path string
}

func listSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{name: d.Name(), path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func checksumFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// splitStatements splits a script on semicolons outside of single-quoted
// strings and dollar-quoted bodies. Trigger functions keep their internal
// semicolons intact.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		inDollar bool
	)
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inDollar:
			inString = !inString
			current.WriteRune(r)
		case r == '$' && !inString && i+1 < len(runes) && runes[i+1] == '$':
			inDollar = !inDollar
			current.WriteRune(r)
			current.WriteRune(runes[i+1])
			i++
		case r == ';' && !inString && !inDollar:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
