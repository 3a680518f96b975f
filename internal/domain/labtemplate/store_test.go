package labtemplate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRepo hands back the whole catalogue, inactive records included, so the
// tests also cover the store's own filtering.
type fakeRepo struct {
	mu       sync.Mutex
	items    []Template
	err      error
	calls    map[string]int
	onSearch func(ctx context.Context, f FilterSet) ([]Template, error)
	onList   func(ctx context.Context) ([]Template, error)
}

func newFakeRepo(items []Template) *fakeRepo {
	return &fakeRepo{items: cloneTemplates(items), calls: make(map[string]int)}
}

func (r *fakeRepo) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	return r.err
}

func (r *fakeRepo) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *fakeRepo) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRepo) ListActive(ctx context.Context) ([]Template, error) {
	if err := r.record("list"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	hook := r.onList
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return cloneTemplates(r.items), nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*Template, error) {
	if err := r.record("get"); err != nil {
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

func (r *fakeRepo) GetByIDs(ctx context.Context, ids []string) ([]Template, error) {
	if err := r.record("get_by_ids"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Template
	for _, t := range r.items {
		if want[t.ID] {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (r *fakeRepo) Search(ctx context.Context, f FilterSet) ([]Template, error) {
	if err := r.record("search"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	hook := r.onSearch
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx, f)
	}
	return cloneTemplates(r.items), nil
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func ids(items []Template) []string {
	out := make([]string, len(items))
	for i, t := range items {
		out[i] = t.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_CatalogueScenario(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	ctx := context.Background()

	store.LoadAll(ctx)
	st := store.State()
	if len(st.Templates) != 3 {
		t.Fatalf("expected 3 active templates, got %d (%v)", len(st.Templates), ids(st.Templates))
	}
	wantCategories := []string{"Clinical Chemistry", "Hematology", "Urinalysis"}
	if !equalStrings(st.Metadata.Categories, wantCategories) {
		t.Fatalf("unexpected categories %v", st.Metadata.Categories)
	}

	if err := store.SetFilter(FieldCategory, "Hematology"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	store.Wait()
	st = store.State()
	if len(st.Templates) != 1 || st.Templates[0].ID != "cbc-template" {
		t.Fatalf("expected only cbc-template, got %v", ids(st.Templates))
	}
	if st.Filters.Category != "Hematology" {
		t.Errorf("expected category filter recorded, got %+v", st.Filters)
	}
	if !equalStrings(st.Metadata.Categories, wantCategories) {
		t.Errorf("categories changed while filtering: %v", st.Metadata.Categories)
	}

	store.ClearFilters(ctx)
	st = store.State()
	if len(st.Templates) != 3 {
		t.Fatalf("expected 3 templates after ClearFilters, got %d", len(st.Templates))
	}
	if !st.Filters.IsEmpty() {
		t.Errorf("expected filters reset, got %+v", st.Filters)
	}
	if !equalStrings(st.Metadata.Categories, wantCategories) {
		t.Errorf("categories changed after ClearFilters: %v", st.Metadata.Categories)
	}
}

func TestStore_SelectedDetails(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)

	store.SelectTemplate("cbc-template")
	details, err := store.SelectedDetails(context.Background())
	if err != nil {
		t.Fatalf("SelectedDetails: %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("expected 1 template, got %d", len(details))
	}
	cbc := details[0]
	if cbc.ID != "cbc-template" || cbc.Name != "Complete Blood Count" {
		t.Errorf("unexpected template %+v", cbc)
	}
	if len(cbc.Parameters) != 4 {
		t.Fatalf("expected 4 parameters, got %d", len(cbc.Parameters))
	}
	if cbc.Parameters[0].Name != "White Blood Cells" || cbc.Parameters[0].CriticalLow == nil {
		t.Errorf("unexpected first parameter %+v", cbc.Parameters[0])
	}
}

func TestStore_SelectedDetails_OrderAndInactive(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)

	store.SelectTemplate("ua-template")
	store.SelectTemplate("esr-template")
	store.SelectTemplate("missing")
	store.SelectTemplate("cbc-template")

	details, err := store.SelectedDetails(context.Background())
	if err != nil {
		t.Fatalf("SelectedDetails: %v", err)
	}
	if got := ids(details); !equalStrings(got, []string{"ua-template", "cbc-template"}) {
		t.Fatalf("expected selection order without inactive or unknown ids, got %v", got)
	}
}

func TestStore_SelectedDetails_EmptySelectionSkipsRepository(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)

	details, err := store.SelectedDetails(context.Background())
	if err != nil {
		t.Fatalf("SelectedDetails: %v", err)
	}
	if details == nil || len(details) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", details)
	}
	if n := repo.count("get_by_ids"); n != 0 {
		t.Errorf("expected no repository call, got %d", n)
	}
}

func TestStore_SelectedDetails_Failure(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	store.SelectTemplate("cbc-template")

	cause := errors.New("connection refused")
	repo.setErr(cause)

	_, err := store.SelectedDetails(context.Background())
	if !errors.Is(err, ErrFetchFailure) {
		t.Fatalf("expected ErrFetchFailure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected underlying cause to be preserved, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Op != opSelected {
		t.Errorf("expected FetchError for %q, got %v", opSelected, err)
	}
}

func TestStore_SelectionIndependentOfFilters(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	store.LoadAll(context.Background())

	store.SelectTemplate("ua-template")
	if err := store.SetFilter(FieldCategory, "Hematology"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	store.Wait()

	st := store.State()
	if !equalStrings(ids(st.Templates), []string{"cbc-template"}) {
		t.Fatalf("expected filtered view of cbc-template, got %v", ids(st.Templates))
	}
	if !equalStrings(st.SelectedTemplateIDs, []string{"ua-template"}) {
		t.Fatalf("expected selection to survive filtering, got %v", st.SelectedTemplateIDs)
	}
	if _, ok := store.GetByID("ua-template"); ok {
		t.Error("GetByID must only see the current view")
	}
	if tpl, ok := store.GetByID("cbc-template"); !ok || tpl.ID != "cbc-template" {
		t.Error("expected cbc-template in the current view")
	}
}

func TestStore_SelectionOperations(t *testing.T) {
	store := NewStore(newFakeRepo(nil))
	rec := &recorder{}
	store.Subscribe(rec.record)

	store.SelectTemplate("a")
	store.SelectTemplate("b")
	store.SelectTemplate("a")
	store.DeselectTemplate("a")
	store.DeselectTemplate("zzz")

	if got := store.State().SelectedTemplateIDs; !equalStrings(got, []string{"b"}) {
		t.Fatalf("expected [b], got %v", got)
	}
	store.ClearSelection()
	if got := store.State().SelectedTemplateIDs; len(got) != 0 {
		t.Fatalf("expected empty selection, got %v", got)
	}
	if n := len(rec.all()); n != 6 {
		t.Errorf("expected one notification per call (6), got %d", n)
	}
}

func TestStore_StaleSearchDiscarded(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	started := make(chan struct{})
	release := make(chan struct{})
	repo.onSearch = func(ctx context.Context, f FilterSet) ([]Template, error) {
		if f.Category == "Hematology" {
			close(started)
			<-release
		}
		return cloneTemplates(SeedCatalog()), nil
	}
	store := NewStore(repo)
	ctx := context.Background()

	slow := FilterSet{Category: "Hematology"}
	fast := FilterSet{Category: "Urinalysis"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Search(ctx, slow)
	}()
	<-started

	store.Search(ctx, fast)
	if got := ids(store.State().Templates); !equalStrings(got, []string{"ua-template"}) {
		t.Fatalf("expected fast result, got %v", got)
	}

	close(release)
	<-done

	st := store.State()
	if !equalStrings(ids(st.Templates), []string{"ua-template"}) {
		t.Fatalf("stale result overwrote newer one: %v", ids(st.Templates))
	}
	if st.Filters != fast {
		t.Errorf("expected filters %+v, got %+v", fast, st.Filters)
	}
	if st.Loading {
		t.Error("expected loading cleared")
	}
	if st.Error != "" {
		t.Errorf("superseded response must not surface an error, got %q", st.Error)
	}
	if _, ok := store.Cache().Get(CacheKey(slow)); ok {
		t.Error("superseded response must not be cached")
	}
}

func TestStore_LoadAllSupersedesPendingSearch(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	started := make(chan struct{})
	release := make(chan struct{})
	repo.onSearch = func(ctx context.Context, f FilterSet) ([]Template, error) {
		close(started)
		<-release
		return nil, errors.New("late failure")
	}
	store := NewStore(repo)

	if err := store.SetFilter(FieldSearchTerm, "blood"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	<-started
	store.LoadAll(context.Background())
	close(release)
	store.Wait()

	st := store.State()
	if len(st.Templates) != 3 || st.Error != "" || st.Loading {
		t.Fatalf("expected LoadAll result to stand, got %d templates, error %q, loading %v",
			len(st.Templates), st.Error, st.Loading)
	}
}

func TestStore_SupersededLoadAllKeepsMetadata(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	started := make(chan struct{})
	release := make(chan struct{})
	repo.onList = func(ctx context.Context) ([]Template, error) {
		close(started)
		<-release
		return cloneTemplates(SeedCatalog()), nil
	}
	store := NewStore(repo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.LoadAll(context.Background())
	}()
	<-started

	if err := store.SetFilter(FieldCategory, "Hematology"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	store.Wait()
	close(release)
	<-done

	st := store.State()
	if !equalStrings(ids(st.Templates), []string{"cbc-template"}) {
		t.Fatalf("expected the newer filtered view to stand, got %v", ids(st.Templates))
	}
	if st.Loading || st.Error != "" {
		t.Errorf("expected settled state, got loading %v error %q", st.Loading, st.Error)
	}
	want := ExtractMetadata(Apply(SeedCatalog(), FilterSet{}))
	if !equalStrings(st.Metadata.Categories, want.Categories) {
		t.Errorf("expected catalogue categories %v, got %v", want.Categories, st.Metadata.Categories)
	}
	if !equalStrings(st.Metadata.Methodologies, want.Methodologies) {
		t.Errorf("expected catalogue methodologies %v, got %v", want.Methodologies, st.Metadata.Methodologies)
	}
	if cached, ok := store.Cache().Get(allKey); !ok || len(cached) != 3 {
		t.Errorf("expected the catalogue cached under %q, got %d entries (hit %v)", allKey, len(cached), ok)
	}
	if _, ok := store.Cache().Get(CacheKey(st.Filters)); !ok {
		t.Error("expected the newer search to stay cached")
	}
}

func TestStore_ReloadKeepsFilters(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	ctx := context.Background()

	store.LoadAll(ctx)
	filters := FilterSet{SampleType: "serum"}
	store.Search(ctx, filters)

	rec := &recorder{}
	unsubscribe := store.Subscribe(rec.record)
	defer unsubscribe()

	store.Reload(ctx)

	st := store.State()
	if st.Filters != filters || !equalStrings(ids(st.Templates), []string{"bmp-template"}) {
		t.Fatalf("expected filters re-applied, got %+v / %v", st.Filters, ids(st.Templates))
	}
	if got := repo.count("search"); got != 1 {
		t.Errorf("expected no extra repository search, got %d", got)
	}
	if _, ok := store.Cache().Get(CacheKey(filters)); !ok {
		t.Error("expected the reloaded view cached under its filters")
	}

	states := rec.all()
	if len(states) != 2 || !states[0].Loading || states[1].Loading {
		t.Fatalf("expected loading then result, got %d notifications", len(states))
	}
	for _, s := range states {
		if !equalStrings(ids(s.Templates), []string{"bmp-template"}) {
			t.Errorf("version %d published %v under filters %+v", s.Version, ids(s.Templates), s.Filters)
		}
	}
}

func TestStore_SetFilterMergesConcurrentCalls(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)

	if err := store.SetFilter(FieldCategory, "hematology"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if err := store.SetFilter(FieldSampleType, "whole blood"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	store.Wait()

	st := store.State()
	want := FilterSet{Category: "hematology", SampleType: "whole blood"}
	if st.Filters != want {
		t.Fatalf("expected merged filters %+v, got %+v", want, st.Filters)
	}
	if !equalStrings(ids(st.Templates), []string{"cbc-template"}) {
		t.Fatalf("expected cbc-template, got %v", ids(st.Templates))
	}
}

func TestStore_SetFilterUnknownField(t *testing.T) {
	store := NewStore(newFakeRepo(nil))
	rec := &recorder{}
	store.Subscribe(rec.record)

	err := store.SetFilter(FilterField("colour"), "red")
	if !errors.Is(err, ErrUnknownFilterField) {
		t.Fatalf("expected ErrUnknownFilterField, got %v", err)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("expected no notification, got %d", n)
	}
}

func TestStore_SearchCacheHit(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	ctx := context.Background()
	f := FilterSet{Category: "Clinical Chemistry"}

	store.Search(ctx, f)
	if n := repo.count("search"); n != 1 {
		t.Fatalf("expected 1 repository search, got %d", n)
	}

	rec := &recorder{}
	store.Subscribe(rec.record)

	// Same predicates, different spelling: one cache key.
	store.Search(ctx, FilterSet{Category: "  clinical chemistry "})
	if n := repo.count("search"); n != 1 {
		t.Fatalf("expected cache hit, repository searched %d times", n)
	}
	states := rec.all()
	if len(states) != 1 {
		t.Fatalf("expected a single notification for a cache hit, got %d", len(states))
	}
	if states[0].Loading {
		t.Error("cache hit must not enter the loading state")
	}
	if !equalStrings(ids(states[0].Templates), []string{"bmp-template"}) {
		t.Errorf("unexpected cached result %v", ids(states[0].Templates))
	}
}

func TestStore_SearchNotifiesLoadingThenResult(t *testing.T) {
	store := NewStore(newFakeRepo(SeedCatalog()))
	rec := &recorder{}
	store.Subscribe(rec.record)

	store.Search(context.Background(), FilterSet{SearchTerm: "urin"})

	states := rec.all()
	if len(states) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(states))
	}
	if !states[0].Loading || states[1].Loading {
		t.Errorf("expected loading then settled, got %v then %v", states[0].Loading, states[1].Loading)
	}
	if states[0].Version >= states[1].Version {
		t.Errorf("expected increasing versions, got %d then %d", states[0].Version, states[1].Version)
	}
	if !equalStrings(ids(states[1].Templates), []string{"ua-template"}) {
		t.Errorf("unexpected result %v", ids(states[1].Templates))
	}
}

func TestStore_FailureKeepsLastKnownGood(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	ctx := context.Background()
	store.LoadAll(ctx)
	before := store.State()

	repo.setErr(errors.New("database is down"))
	store.Search(ctx, FilterSet{Methodology: "Dipstick"})

	st := store.State()
	if st.Error == "" {
		t.Fatal("expected error in state")
	}
	if st.Loading {
		t.Error("expected loading cleared after failure")
	}
	if !equalStrings(ids(st.Templates), ids(before.Templates)) {
		t.Errorf("expected previous templates kept, got %v", ids(st.Templates))
	}
	if !equalStrings(st.Metadata.Categories, before.Metadata.Categories) {
		t.Errorf("expected metadata kept, got %v", st.Metadata.Categories)
	}

	store.LoadAll(ctx)
	if st := store.State(); len(st.Templates) != 3 || st.Error == "" {
		t.Errorf("failed reload must keep templates and report error, got %d / %q", len(st.Templates), st.Error)
	}

	repo.setErr(nil)
	store.LoadAll(ctx)
	if st := store.State(); st.Error != "" {
		t.Errorf("expected error cleared by successful load, got %q", st.Error)
	}
}

func TestStore_LoadAllClearsCache(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	store := NewStore(repo)
	ctx := context.Background()

	store.Search(ctx, FilterSet{Category: "Urinalysis"})
	store.LoadAll(ctx)

	if n := store.Cache().Len(); n != 1 {
		t.Fatalf("expected only the full catalogue cached, got %d entries", n)
	}
	if _, ok := store.Cache().Get(allKey); !ok {
		t.Fatal("expected full catalogue under the all key")
	}
	store.Search(ctx, FilterSet{Category: "Urinalysis"})
	if n := repo.count("search"); n != 2 {
		t.Errorf("expected a fresh repository search after reload, got %d", n)
	}
}

func TestStore_CacheExpiry(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	cache := NewCache(time.Minute)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	store := NewStore(repo, WithCache(cache))
	ctx := context.Background()
	f := FilterSet{SampleType: "Serum"}

	store.Search(ctx, f)
	now = now.Add(59 * time.Second)
	store.Search(ctx, f)
	if n := repo.count("search"); n != 1 {
		t.Fatalf("expected cache hit before TTL, got %d searches", n)
	}
	now = now.Add(2 * time.Second)
	store.Search(ctx, f)
	if n := repo.count("search"); n != 2 {
		t.Fatalf("expected refetch after TTL, got %d searches", n)
	}
}

func TestStore_FetchTimeout(t *testing.T) {
	repo := newFakeRepo(SeedCatalog())
	repo.onSearch = func(ctx context.Context, f FilterSet) ([]Template, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	store := NewStore(repo, WithFetchTimeout(20*time.Millisecond))

	store.Search(context.Background(), FilterSet{SearchTerm: "x"})
	st := store.State()
	if st.Error == "" || st.Loading {
		t.Fatalf("expected timed-out search to settle with an error, got %+v", st)
	}
}

func TestStore_SubscribeAndSelfUnsubscribe(t *testing.T) {
	store := NewStore(newFakeRepo(nil))

	var onceCalls int
	var unsubscribe func()
	unsubscribe = store.Subscribe(func(State) {
		onceCalls++
		unsubscribe()
		unsubscribe()
	})
	steady := &recorder{}
	stop := store.Subscribe(steady.record)

	store.SelectTemplate("a")
	store.SelectTemplate("b")

	if onceCalls != 1 {
		t.Errorf("expected self-unsubscribing listener called once, got %d", onceCalls)
	}
	if n := len(steady.all()); n != 2 {
		t.Errorf("expected other listener called twice, got %d", n)
	}

	stop()
	stop()
	store.SelectTemplate("c")
	if n := len(steady.all()); n != 2 {
		t.Errorf("expected no calls after unsubscribe, got %d", n)
	}
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	store := NewStore(newFakeRepo(SeedCatalog()))
	store.Subscribe(func(st State) {
		if len(st.Templates) > 0 {
			st.Templates[0].Name = "mutated by subscriber"
			st.Templates[0].Parameters[0].Name = "mutated"
		}
		st.Metadata.Categories = append(st.Metadata.Categories[:0], "x")
	})
	store.LoadAll(context.Background())

	st := store.State()
	st.Templates[0].Name = "mutated by caller"

	again := store.State()
	if again.Templates[0].Name != "Basic Metabolic Panel" && again.Templates[0].Name != "Complete Blood Count" {
		t.Fatalf("store state was mutated through a snapshot: %q", again.Templates[0].Name)
	}
	for _, tpl := range again.Templates {
		if tpl.Name == "mutated by subscriber" || tpl.Name == "mutated by caller" {
			t.Fatalf("store state was mutated: %q", tpl.Name)
		}
		for _, p := range tpl.Parameters {
			if p.Name == "mutated" {
				t.Fatal("parameters shared with a snapshot")
			}
		}
	}
	if again.Metadata.Categories[0] == "x" {
		t.Fatal("metadata shared with a snapshot")
	}
	cached, _ := store.Cache().Get(allKey)
	for _, tpl := range cached {
		if tpl.Name == "mutated by subscriber" {
			t.Fatal("cache shared with a snapshot")
		}
	}
}

func TestStore_InitialState(t *testing.T) {
	st := NewStore(newFakeRepo(nil)).State()
	if st.Templates == nil || st.SelectedTemplateIDs == nil || st.Metadata.Categories == nil {
		t.Fatalf("expected empty non-nil collections, got %#v", st)
	}
	if st.Loading || st.Error != "" || st.Version != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}
}
