package labtemplate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type templateRepoPG struct{ conn queryable }

var pgDialect = sqlDialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	like:        "ILIKE",
}

// NewTemplateRepoPG reads templates from PostgreSQL. The pool's search_path
// selects the schema.
func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository {
	return &templateRepoPG{conn: pool}
}

func (r *templateRepoPG) scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.NameAlt, &t.Category, &t.SampleType, &t.Methodology,
		&t.TurnaroundTime, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *templateRepoPG) ListActive(ctx context.Context) ([]Template, error) {
	return r.queryTemplates(ctx, `SELECT `+templateCols+` FROM test_templates WHERE is_active = TRUE ORDER BY name`)
}

func (r *templateRepoPG) GetByID(ctx context.Context, id string) (*Template, error) {
	t, err := r.scanTemplate(r.conn.QueryRow(ctx, `SELECT `+templateCols+` FROM test_templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	items := []Template{t}
	if err := r.loadParameters(ctx, items); err != nil {
		return nil, err
	}
	return &items[0], nil
}

func (r *templateRepoPG) GetByIDs(ctx context.Context, ids []string) ([]Template, error) {
	if len(ids) == 0 {
		return []Template{}, nil
	}
	return r.queryTemplates(ctx, `SELECT `+templateCols+` FROM test_templates WHERE id = ANY($1) ORDER BY name`, ids)
}

func (r *templateRepoPG) Search(ctx context.Context, filters FilterSet) ([]Template, error) {
	query, args := pgDialect.searchQuery(filters)
	return r.queryTemplates(ctx, query, args...)
}

func (r *templateRepoPG) queryTemplates(ctx context.Context, query string, args ...interface{}) ([]Template, error) {
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()
	items := []Template{}
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	if err := r.loadParameters(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *templateRepoPG) loadParameters(ctx context.Context, items []Template) error {
	if len(items) == 0 {
		return nil
	}
	rows, err := r.conn.Query(ctx, `SELECT `+parameterCols+` FROM test_template_parameters
		WHERE template_id = ANY($1) ORDER BY template_id, sort_order`, templateIDs(items))
	if err != nil {
		return fmt.Errorf("query parameters: %w", err)
	}
	defer rows.Close()
	params := make(map[string][]Parameter)
	for rows.Next() {
		var p Parameter
		var templateID string
		if err := rows.Scan(&p.ID, &templateID, &p.Name, &p.Unit, &p.NormalRangeMin, &p.NormalRangeMax,
			&p.CriticalLow, &p.CriticalHigh, &p.SortOrder); err != nil {
			return fmt.Errorf("scan parameter: %w", err)
		}
		params[templateID] = append(params[templateID], p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate parameters: %w", err)
	}
	attachParameters(items, params)
	return nil
}
