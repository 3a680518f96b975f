package labtemplate

import (
	"context"
)

// memoryRepo never mutates items after construction.
type memoryRepo struct {
	items []Template
}

// NewMemoryRepo serves a fixed catalogue from memory.
func NewMemoryRepo(items []Template) TemplateRepository {
	return &memoryRepo{items: cloneTemplates(items)}
}

func (r *memoryRepo) ListActive(ctx context.Context) ([]Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cloneTemplates(Apply(r.items, FilterSet{})), nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, t := range r.items {
		if t.ID == id {
			out := t.Clone()
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) GetByIDs(ctx context.Context, ids []string) ([]Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := []Template{}
	for _, t := range r.items {
		if want[t.ID] {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *memoryRepo) Search(ctx context.Context, filters FilterSet) ([]Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cloneTemplates(Apply(r.items, filters)), nil
}
