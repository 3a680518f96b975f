package labtemplate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS test_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	name_alt TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	sample_type TEXT NOT NULL DEFAULT '',
	methodology TEXT NOT NULL DEFAULT '',
	turnaround_time TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS test_template_parameters (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL REFERENCES test_templates(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	normal_range_min REAL NOT NULL,
	normal_range_max REAL NOT NULL,
	critical_low REAL,
	critical_high REAL,
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_test_template_parameters_template ON test_template_parameters(template_id);
`

// Numbered parameters let the search term bind once and match three columns.
var sqliteDialect = sqlDialect{
	placeholder: func(n int) string { return "?" + strconv.Itoa(n) },
	like:        "LIKE",
}

// TemplateRepoSQLite reads templates from a single SQLite file. It backs
// single-node deployments and can import a YAML catalogue.
type TemplateRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewTemplateRepoSQLite opens (and if needed creates) the database at path.
// ":memory:" opens a private in-memory database.
func NewTemplateRepoSQLite(path string) (*TemplateRepoSQLite, error) {
	if path == "" {
		path = "opsdash.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// An in-memory database lives as long as its connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &TemplateRepoSQLite{db: db, now: time.Now}, nil
}

func (r *TemplateRepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *TemplateRepoSQLite) Close() error {
	return r.db.Close()
}

// Import replaces the stored catalogue with items in one transaction.
func (r *TemplateRepoSQLite) Import(ctx context.Context, items []Template) (retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM test_template_parameters`); err != nil {
		return fmt.Errorf("clear parameters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM test_templates`); err != nil {
		return fmt.Errorf("clear templates: %w", err)
	}

	stamp := r.now().UTC().Format(time.RFC3339Nano)
	for _, t := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_templates (`+templateCols+`)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Name, t.NameAlt, t.Category, t.SampleType, t.Methodology,
			t.TurnaroundTime, t.IsActive, stamp, stamp); err != nil {
			return fmt.Errorf("insert template %s: %w", t.ID, err)
		}
		for i, p := range t.Parameters {
			id := p.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", t.ID, i+1)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO test_template_parameters (`+parameterCols+`)
				VALUES (?,?,?,?,?,?,?,?,?)`,
				id, t.ID, p.Name, p.Unit, p.NormalRangeMin, p.NormalRangeMax,
				p.CriticalLow, p.CriticalHigh, p.SortOrder); err != nil {
				return fmt.Errorf("insert parameter %s: %w", id, err)
			}
		}
	}
	return tx.Commit()
}

func (r *TemplateRepoSQLite) ListActive(ctx context.Context) ([]Template, error) {
	return r.queryTemplates(ctx, `SELECT `+templateCols+` FROM test_templates WHERE is_active = TRUE ORDER BY name`)
}

func (r *TemplateRepoSQLite) GetByID(ctx context.Context, id string) (*Template, error) {
	items, err := r.queryTemplates(ctx, `SELECT `+templateCols+` FROM test_templates WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (r *TemplateRepoSQLite) GetByIDs(ctx context.Context, ids []string) ([]Template, error) {
	if len(ids) == 0 {
		return []Template{}, nil
	}
	query := `SELECT ` + templateCols + ` FROM test_templates WHERE id IN (` + inPlaceholders(len(ids)) + `) ORDER BY name`
	return r.queryTemplates(ctx, query, stringArgs(ids)...)
}

// Search runs the filters in SQL when they are plain ASCII. SQLite's LIKE
// and LOWER fold ASCII letters only, so any other filter text is matched with
// Apply over the active catalogue.
func (r *TemplateRepoSQLite) Search(ctx context.Context, filters FilterSet) ([]Template, error) {
	if !asciiFilters(filters) {
		items, err := r.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		return Apply(items, filters), nil
	}
	query, args := sqliteDialect.searchQuery(filters)
	return r.queryTemplates(ctx, query, args...)
}

func (r *TemplateRepoSQLite) queryTemplates(ctx context.Context, query string, args ...interface{}) ([]Template, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	items := []Template{}
	for rows.Next() {
		var t Template
		var created, updated string
		if err := rows.Scan(&t.ID, &t.Name, &t.NameAlt, &t.Category, &t.SampleType, &t.Methodology,
			&t.TurnaroundTime, &t.IsActive, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	// Release the single connection before the parameter query.
	_ = rows.Close()

	if err := r.loadParameters(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *TemplateRepoSQLite) loadParameters(ctx context.Context, items []Template) error {
	if len(items) == 0 {
		return nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+parameterCols+` FROM test_template_parameters
		WHERE template_id IN (`+inPlaceholders(len(items))+`) ORDER BY template_id, sort_order`,
		stringArgs(templateIDs(items))...)
	if err != nil {
		return fmt.Errorf("query parameters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	params := make(map[string][]Parameter)
	for rows.Next() {
		var p Parameter
		var templateID string
		var low, high sql.NullFloat64
		if err := rows.Scan(&p.ID, &templateID, &p.Name, &p.Unit, &p.NormalRangeMin, &p.NormalRangeMax,
			&low, &high, &p.SortOrder); err != nil {
			return fmt.Errorf("scan parameter: %w", err)
		}
		if low.Valid {
			v := low.Float64
			p.CriticalLow = &v
		}
		if high.Valid {
			v := high.Float64
			p.CriticalHigh = &v
		}
		params[templateID] = append(params[templateID], p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate parameters: %w", err)
	}
	attachParameters(items, params)
	return nil
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func asciiFilters(filters FilterSet) bool {
	for _, v := range []string{filters.SearchTerm, filters.Category, filters.SampleType, filters.Methodology} {
		for i := 0; i < len(v); i++ {
			if v[i] >= utf8.RuneSelf {
				return false
			}
		}
	}
	return true
}
