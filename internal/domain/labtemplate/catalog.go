package labtemplate

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed seed_catalog.yaml
var seedCatalog []byte

// catalogFile is the on-disk YAML shape of a template catalogue.
type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// ParseCatalog decodes and validates a YAML catalogue. Parameters are
// returned ordered by SortOrder.
func ParseCatalog(data []byte) ([]Template, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(cf.Templates))
	for i := range cf.Templates {
		t := &cf.Templates[i]
		if t.ID == "" {
			return nil, fmt.Errorf("template #%d: id is required", i+1)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("template %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Name == "" {
			return nil, fmt.Errorf("template %s: name is required", t.ID)
		}
		for _, p := range t.Parameters {
			if p.Name == "" {
				return nil, fmt.Errorf("template %s: parameter name is required", t.ID)
			}
			if p.NormalRangeMin > p.NormalRangeMax {
				return nil, fmt.Errorf("template %s: parameter %s: normal range min %v exceeds max %v",
					t.ID, p.Name, p.NormalRangeMin, p.NormalRangeMax)
			}
		}
		sort.SliceStable(t.Parameters, func(a, b int) bool {
			return t.Parameters[a].SortOrder < t.Parameters[b].SortOrder
		})
	}
	return cf.Templates, nil
}

// LoadCatalogFile reads a YAML catalogue from path.
func LoadCatalogFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// SeedCatalog returns the built-in catalogue.
func SeedCatalog() []Template {
	items, err := ParseCatalog(seedCatalog)
	if err != nil {
		panic(fmt.Sprintf("labtemplate: invalid built-in catalog: %v", err))
	}
	return items
}
