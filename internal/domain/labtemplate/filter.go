package labtemplate

import (
	"sort"
	"strings"
)

// Apply narrows a collection to the templates matching every predicate in
// filters. Inactive templates are always dropped. Apply does not modify its
// input.
func Apply(collection []Template, filters FilterSet) []Template {
	term := strings.ToLower(strings.TrimSpace(filters.SearchTerm))
	category := strings.TrimSpace(filters.Category)
	sampleType := strings.TrimSpace(filters.SampleType)
	methodology := strings.TrimSpace(filters.Methodology)

	out := make([]Template, 0, len(collection))
	for _, t := range collection {
		if !t.IsActive {
			continue
		}
		if category != "" && !strings.EqualFold(t.Category, category) {
			continue
		}
		if sampleType != "" && !strings.EqualFold(t.SampleType, sampleType) {
			continue
		}
		if methodology != "" && !strings.EqualFold(t.Methodology, methodology) {
			continue
		}
		if term != "" && !matchesTerm(t, term) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// matchesTerm expects term to be lower-cased already.
func matchesTerm(t Template, term string) bool {
	return strings.Contains(strings.ToLower(t.Name), term) ||
		strings.Contains(strings.ToLower(t.NameAlt), term) ||
		strings.Contains(strings.ToLower(t.Category), term)
}

// ExtractCategories returns the sorted distinct categories in collection.
func ExtractCategories(collection []Template) []string {
	return distinct(collection, func(t Template) string { return t.Category })
}

// ExtractSampleTypes returns the sorted distinct sample types in collection.
func ExtractSampleTypes(collection []Template) []string {
	return distinct(collection, func(t Template) string { return t.SampleType })
}

// ExtractMethodologies returns the sorted distinct methodologies in collection.
func ExtractMethodologies(collection []Template) []string {
	return distinct(collection, func(t Template) string { return t.Methodology })
}

// ExtractMetadata derives all facets of collection. Callers pass the full
// catalogue so facet lists do not shrink while filtering.
func ExtractMetadata(collection []Template) Metadata {
	return Metadata{
		Categories:    ExtractCategories(collection),
		SampleTypes:   ExtractSampleTypes(collection),
		Methodologies: ExtractMethodologies(collection),
	}
}

// distinct dedupes by exact string identity; facet values arrive normalized
// from the repository.
func distinct(collection []Template, facet func(Template) string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, t := range collection {
		v := facet(t)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
