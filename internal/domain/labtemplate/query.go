package labtemplate

import (
	"strings"
)

const templateCols = `id, name, name_alt, category, sample_type, methodology,
	turnaround_time, is_active, created_at, updated_at`

const parameterCols = `id, template_id, name, unit, normal_range_min, normal_range_max,
	critical_low, critical_high, sort_order`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	placeholder func(n int) string
	like        string
}

// searchQuery builds the template search statement for filters. Matching
// mirrors Apply so the store's post-filter never disagrees with the database;
// SQLite only gets this statement for ASCII filters.
func (d sqlDialect) searchQuery(filters FilterSet) (string, []interface{}) {
	query := `SELECT ` + templateCols + ` FROM test_templates WHERE is_active = TRUE`
	var args []interface{}
	idx := 1

	if term := strings.TrimSpace(filters.SearchTerm); term != "" {
		p := d.placeholder(idx)
		query += ` AND (name ` + d.like + ` ` + p + ` ESCAPE '\' OR name_alt ` + d.like + ` ` + p +
			` ESCAPE '\' OR category ` + d.like + ` ` + p + ` ESCAPE '\')`
		args = append(args, "%"+likeEscaper.Replace(term)+"%")
		idx++
	}
	for _, f := range []struct {
		col, value string
	}{
		{"category", filters.Category},
		{"sample_type", filters.SampleType},
		{"methodology", filters.Methodology},
	} {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		query += ` AND LOWER(` + f.col + `) = LOWER(` + d.placeholder(idx) + `)`
		args = append(args, v)
		idx++
	}
	query += ` ORDER BY name`
	return query, args
}

// attachParameters groups params by template id onto items, keeping the
// order of params.
func attachParameters(items []Template, params map[string][]Parameter) {
	for i := range items {
		if ps, ok := params[items[i].ID]; ok {
			items[i].Parameters = ps
		} else {
			items[i].Parameters = []Parameter{}
		}
	}
}

func templateIDs(items []Template) []string {
	ids := make([]string, len(items))
	for i, t := range items {
		ids[i] = t.ID
	}
	return ids
}
