package labtemplate

import (
	"context"
)

// TemplateRepository is the data source the store reads the catalogue from.
// The store runs every result through Apply, so a source that leaks inactive
// records never exposes them.
type TemplateRepository interface {
	ListActive(ctx context.Context) ([]Template, error)
	GetByID(ctx context.Context, id string) (*Template, error)
	GetByIDs(ctx context.Context, ids []string) ([]Template, error)
	Search(ctx context.Context, filters FilterSet) ([]Template, error)
}
