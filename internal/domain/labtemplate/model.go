package labtemplate

import (
	"time"
)

// Template maps to the test_templates table. A template is immutable once
// fetched; the store never writes it back.
type Template struct {
	ID             string      `db:"id" json:"id" yaml:"id"`
	Name           string      `db:"name" json:"name" yaml:"name"`
	NameAlt        string      `db:"name_alt" json:"name_alt,omitempty" yaml:"name_alt"`
	Category       string      `db:"category" json:"category" yaml:"category"`
	SampleType     string      `db:"sample_type" json:"sample_type" yaml:"sample_type"`
	Methodology    string      `db:"methodology" json:"methodology,omitempty" yaml:"methodology"`
	TurnaroundTime string      `db:"turnaround_time" json:"turnaround_time,omitempty" yaml:"turnaround_time"`
	Parameters     []Parameter `json:"parameters" yaml:"parameters"`
	IsActive       bool        `db:"is_active" json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at" yaml:"-"`
}

// Parameter maps to the test_template_parameters table.
type Parameter struct {
	ID             string   `db:"id" json:"id" yaml:"id"`
	Name           string   `db:"name" json:"name" yaml:"name"`
	Unit           string   `db:"unit" json:"unit" yaml:"unit"`
	NormalRangeMin float64  `db:"normal_range_min" json:"normal_range_min" yaml:"normal_range_min"`
	NormalRangeMax float64  `db:"normal_range_max" json:"normal_range_max" yaml:"normal_range_max"`
	CriticalLow    *float64 `db:"critical_low" json:"critical_low,omitempty" yaml:"critical_low"`
	CriticalHigh   *float64 `db:"critical_high" json:"critical_high,omitempty" yaml:"critical_high"`
	SortOrder      int      `db:"sort_order" json:"sort_order" yaml:"sort_order"`
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	out := t
	if t.Parameters != nil {
		out.Parameters = make([]Parameter, len(t.Parameters))
		for i, p := range t.Parameters {
			out.Parameters[i] = p.clone()
		}
	}
	return out
}

func (p Parameter) clone() Parameter {
	out := p
	if p.CriticalLow != nil {
		v := *p.CriticalLow
		out.CriticalLow = &v
	}
	if p.CriticalHigh != nil {
		v := *p.CriticalHigh
		out.CriticalHigh = &v
	}
	return out
}

func cloneTemplates(in []Template) []Template {
	if in == nil {
		return nil
	}
	out := make([]Template, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// FilterField names a single predicate of a FilterSet.
type FilterField string

const (
	FieldSearchTerm  FilterField = "searchTerm"
	FieldCategory    FilterField = "category"
	FieldSampleType  FilterField = "sampleType"
	FieldMethodology FilterField = "methodology"
)

// FilterSet is the set of active query predicates. Empty fields impose no
// constraint.
type FilterSet struct {
	SearchTerm  string `json:"search_term,omitempty"`
	Category    string `json:"category,omitempty"`
	SampleType  string `json:"sample_type,omitempty"`
	Methodology string `json:"methodology,omitempty"`
}

// With returns a copy of f with one field replaced.
func (f FilterSet) With(field FilterField, value string) (FilterSet, error) {
	switch field {
	case FieldSearchTerm:
		f.SearchTerm = value
	case FieldCategory:
		f.Category = value
	case FieldSampleType:
		f.SampleType = value
	case FieldMethodology:
		f.Methodology = value
	default:
		return f, ErrUnknownFilterField
	}
	return f, nil
}

// IsEmpty reports whether no predicate is set.
func (f FilterSet) IsEmpty() bool {
	return CacheKey(f) == allKey
}

// Metadata holds the facets of the full catalogue.
type Metadata struct {
	Categories    []string `json:"categories"`
	SampleTypes   []string `json:"sample_types"`
	Methodologies []string `json:"methodologies"`
}

func (m Metadata) clone() Metadata {
	return Metadata{
		Categories:    append([]string{}, m.Categories...),
		SampleTypes:   append([]string{}, m.SampleTypes...),
		Methodologies: append([]string{}, m.Methodologies...),
	}
}

// State is the published state of a Store. Subscribers always receive a
// copy; mutating it has no effect on the store.
type State struct {
	Templates           []Template `json:"templates"`
	SelectedTemplateIDs []string   `json:"selected_template_ids"`
	Loading             bool       `json:"loading"`
	Error               string     `json:"error,omitempty"`
	Filters             FilterSet  `json:"filters"`
	Metadata            Metadata   `json:"metadata"`
	// Version increases with every published change.
	Version uint64 `json:"version"`
}

func (s State) clone() State {
	out := s
	out.Templates = cloneTemplates(s.Templates)
	if out.Templates == nil {
		out.Templates = []Template{}
	}
	out.SelectedTemplateIDs = append([]string{}, s.SelectedTemplateIDs...)
	out.Metadata = s.Metadata.clone()
	return out
}
