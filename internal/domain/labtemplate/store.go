package labtemplate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFetchTimeout bounds a single repository call.
const DefaultFetchTimeout = 10 * time.Second

const (
	opLoad     = "load templates"
	opSearch   = "search templates"
	opSelected = "get selected templates"
)

// Option configures a Store.
type Option func(*Store)

// WithCache replaces the store's default cache.
func WithCache(c *Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "template_store").Logger() }
}

// WithFetchTimeout bounds every repository call. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.fetchTimeout = d }
}

// Store is the reactive template query store. It owns the visible
// collection, the active filters, the selection set and the loading/error
// flags, and publishes a snapshot to every subscriber after each change.
//
// Every LoadAll and Search takes a sequence number when issued. A response is
// applied only if its number is still the latest, so a slow, older query can
// never overwrite the result of a newer one. The state mutex is never held
// across a repository call or a subscriber callback.
type Store struct {
	repo         TemplateRepository
	cache        *Cache
	logger       zerolog.Logger
	fetchTimeout time.Duration

	mu      sync.Mutex
	state   State
	sel     *selection
	seq     uint64
	version uint64

	// catalogSeq is the sequence number of the newest catalogue load whose
	// metadata has been applied.
	catalogSeq uint64

	listeners *listenerSet
	pending   sync.WaitGroup
}

// NewStore creates a Store reading from repo.
func NewStore(repo TemplateRepository, opts ...Option) *Store {
	s := &Store{
		repo:         repo,
		logger:       zerolog.Nop(),
		fetchTimeout: DefaultFetchTimeout,
		sel:          newSelection(),
		listeners:    newListenerSet(),
		state: State{
			Templates: []Template{},
			Metadata:  Metadata{Categories: []string{}, SampleTypes: []string{}, Methodologies: []string{}},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewCache(DefaultCacheTTL)
	}
	return s
}

// Cache returns the store's cache.
func (s *Store) Cache() *Cache { return s.cache }

// Subscribe registers fn to receive a snapshot after every state change and
// returns a function that removes it. The remover may be called more than
// once, including from inside fn.
//
// Callbacks run synchronously on the goroutine that changed the state. When
// several goroutines mutate the store at once, snapshots can arrive out of
// order; State.Version tells which one is newer.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	remove := s.listeners.add(fn)
	subscriberGauge.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			subscriberGauge.Dec()
		})
	}
}

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked().clone()
}

// LoadAll fetches the full active catalogue, recomputes the facet metadata
// and shows the unfiltered result. On failure the previous templates and
// metadata stay in place and State.Error describes the failure.
//
// If a Search or SetFilter supersedes the load while it is in flight, the
// newer query keeps the view but the catalogue still refreshes Metadata and
// the "all" cache entry.
func (s *Store) LoadAll(ctx context.Context) {
	s.loadAll(ctx, loadUnfiltered)
}

// ClearFilters resets the active filters and reloads the full catalogue.
func (s *Store) ClearFilters(ctx context.Context) {
	s.loadAll(ctx, loadResetFilters)
}

// Reload refetches the catalogue and applies the active filters to it before
// publishing, so subscribers never see the fresh catalogue paired with
// filters it does not satisfy.
func (s *Store) Reload(ctx context.Context) {
	s.loadAll(ctx, loadKeepFilters)
}

type loadMode int

const (
	loadUnfiltered loadMode = iota
	loadResetFilters
	loadKeepFilters
)

func (s *Store) loadAll(ctx context.Context, mode loadMode) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if mode == loadResetFilters {
		s.state.Filters = FilterSet{}
	}
	filters := s.state.Filters
	s.state.Loading = true
	s.state.Error = ""
	s.commitLocked()

	items, err := s.fetch(ctx, opLoad, "load", s.repo.ListActive)

	s.mu.Lock()
	if !s.latestLocked(seq, "load") {
		if err != nil || seq < s.catalogSeq {
			s.mu.Unlock()
			return
		}
		active := Apply(items, FilterSet{})
		s.catalogSeq = seq
		s.cache.Put(allKey, active, FilterSet{})
		s.state.Metadata = ExtractMetadata(active)
		s.commitLocked()
		return
	}
	s.state.Loading = false
	if err != nil {
		s.state.Error = err.Error()
		s.commitLocked()
		return
	}
	active := Apply(items, FilterSet{})
	s.catalogSeq = seq
	s.cache.Clear()
	s.cache.Put(allKey, active, FilterSet{})
	s.state.Metadata = ExtractMetadata(active)
	s.state.Templates = active
	if mode == loadKeepFilters && !filters.IsEmpty() {
		view := Apply(active, filters)
		s.cache.Put(s.cache.KeyFor(filters), view, filters)
		s.state.Templates = view
	}
	s.commitLocked()
}

// Search shows the templates matching filters. A cached result is applied
// immediately without entering the loading state; otherwise the repository is
// queried, the result filtered and cached. The active filters are updated in
// either case.
func (s *Store) Search(ctx context.Context, filters FilterSet) {
	fetch := s.beginSearch(func(FilterSet) FilterSet { return filters })
	if fetch != nil {
		fetch(ctx)
	}
}

// SetFilter sets one field of the active filters and re-runs the search with
// the merged set. It does not wait for the repository: the search runs on its
// own goroutine and its result is published to subscribers. Use Subscribe (or
// Wait) to observe completion. A cache hit is applied before SetFilter
// returns.
func (s *Store) SetFilter(field FilterField, value string) error {
	if _, err := (FilterSet{}).With(field, value); err != nil {
		return err
	}
	fetch := s.beginSearch(func(cur FilterSet) FilterSet {
		next, _ := cur.With(field, value)
		return next
	})
	if fetch == nil {
		return nil
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fetch(context.Background())
	}()
	return nil
}

// Wait blocks until every search started by SetFilter has settled.
func (s *Store) Wait() {
	s.pending.Wait()
}

// beginSearch tags a search, records its filters and either applies a cache
// hit (returning nil) or enters the loading state and returns the function
// that completes the query.
func (s *Store) beginSearch(merge func(FilterSet) FilterSet) func(context.Context) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	filters := merge(s.state.Filters)
	s.state.Filters = filters
	key := s.cache.KeyFor(filters)

	if cached, ok := s.cache.Get(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		s.logger.Debug().Str("key", key).Int("count", len(cached)).Msg("template cache hit")
		s.state.Templates = cached
		s.state.Loading = false
		s.state.Error = ""
		s.commitLocked()
		return nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	s.state.Loading = true
	s.commitLocked()

	return func(ctx context.Context) {
		items, err := s.fetch(ctx, opSearch, "search", func(ctx context.Context) ([]Template, error) {
			return s.repo.Search(ctx, filters)
		})

		s.mu.Lock()
		if !s.latestLocked(seq, "search") {
			s.mu.Unlock()
			return
		}
		s.state.Loading = false
		if err != nil {
			s.state.Error = err.Error()
			s.commitLocked()
			return
		}
		result := Apply(items, filters)
		s.cache.Put(key, result, filters)
		s.state.Templates = result
		s.state.Error = ""
		s.commitLocked()
	}
}

// SelectTemplate adds id to the selection. The id does not need to be in the
// current view.
func (s *Store) SelectTemplate(id string) {
	s.mu.Lock()
	s.sel.add(id)
	s.commitLocked()
}

// DeselectTemplate removes id from the selection.
func (s *Store) DeselectTemplate(id string) {
	s.mu.Lock()
	s.sel.remove(id)
	s.commitLocked()
}

// ClearSelection empties the selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.sel.clear()
	s.commitLocked()
}

// SelectedDetails resolves the full records of every selected template, in
// selection order. An empty selection returns without calling the
// repository.
func (s *Store) SelectedDetails(ctx context.Context) ([]Template, error) {
	s.mu.Lock()
	ids := s.sel.list()
	s.mu.Unlock()
	if len(ids) == 0 {
		return []Template{}, nil
	}

	items, err := s.fetch(ctx, opSelected, "get_by_ids", func(ctx context.Context) ([]Template, error) {
		return s.repo.GetByIDs(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Template, len(items))
	for _, t := range Apply(items, FilterSet{}) {
		byID[t.ID] = t
	}
	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// GetByID looks id up in the current view only. It never queries the
// repository or the cache.
func (s *Store) GetByID(id string) (Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.state.Templates {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return Template{}, false
}

func (s *Store) fetch(ctx context.Context, op, label string, call func(context.Context) ([]Template, error)) ([]Template, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}
	start := time.Now()
	items, err := call(ctx)
	fetchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		fetchFailures.WithLabelValues(label).Inc()
		s.logger.Error().Err(err).Str("op", op).Msg("template fetch failed")
		return nil, &FetchError{Op: op, Err: err}
	}
	return items, nil
}

// latestLocked reports whether seq is still the newest issued query.
func (s *Store) latestLocked(seq uint64, label string) bool {
	if seq == s.seq {
		return true
	}
	staleDiscards.WithLabelValues(label).Inc()
	s.logger.Debug().Uint64("seq", seq).Uint64("latest", s.seq).Str("op", label).Msg("discarding superseded response")
	return false
}

func (s *Store) snapshotLocked() State {
	st := s.state
	st.SelectedTemplateIDs = s.sel.list()
	return st
}

// commitLocked bumps the version, releases s.mu and notifies subscribers.
func (s *Store) commitLocked() {
	s.version++
	s.state.Version = s.version
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.listeners.notify(st)
}
