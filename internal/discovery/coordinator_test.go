package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonatahub/sonata-core/internal/device"
	"github.com/sonatahub/sonata-core/internal/errlog"
)

type fakeProvider struct {
	name  string
	found []Found
	err   error
	calls atomic.Int32
	block chan struct{} // when set, Discover waits on it
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Discover(context.Context) ([]Found, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.found, f.err
}

type fakeResolver struct {
	identities map[string]device.Identity
	err        error
}

func (f *fakeResolver) Resolve(_ context.Context, address string) (device.Identity, error) {
	if f.err != nil {
		return device.Identity{}, f.err
	}
	id, ok := f.identities[address]
	if !ok {
		return device.Identity{}, errors.New("no players")
	}
	return id, nil
}

type fakePollers struct {
	mu      sync.Mutex
	ensured []device.Key
	stopped []device.Key
}

func (f *fakePollers) Ensure(key device.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, key)
}

func (f *fakePollers) Stop(key device.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
}

func (f *fakePollers) ensuredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ensured)
}

func TestSweepUpsertsAndStartsPollers(t *testing.T) {
	registry := device.NewRegistry()
	pollers := &fakePollers{}
	provider := &fakeProvider{name: "mdns", found: []Found{
		{Address: "10.0.0.5", Name: "Kitchen", Model: "Sonata One"},
		{Address: "10.0.0.9", Name: "Lounge"},
	}}
	resolver := &fakeResolver{identities: map[string]device.Identity{
		"10.0.0.5": {PlayerID: "101", Name: "Kitchen"},
		"10.0.0.9": {PlayerID: "102", Name: "Lounge"},
	}}
	c := NewCoordinator([]Provider{provider}, registry, resolver, pollers, errlog.New(10), Config{})

	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if summary.Reported != 2 || summary.Created != 2 {
		t.Errorf("summary = %+v, want 2 reported, 2 created", summary)
	}
	if pollers.ensuredCount() != 2 {
		t.Errorf("pollers ensured = %d, want 2", pollers.ensuredCount())
	}

	d, err := registry.Get(device.Key{Address: "10.0.0.5", PlayerID: "101"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Reachability != device.ReachabilityInitializing {
		t.Errorf("Reachability = %q, want initializing", d.Reachability)
	}
	if d.Identity.Model != "Sonata One" {
		t.Errorf("Model = %q, mDNS attributes lost in merge", d.Identity.Model)
	}
}

func TestRepeatSweepCreatesNothing(t *testing.T) {
	registry := device.NewRegistry()
	pollers := &fakePollers{}
	provider := &fakeProvider{name: "static", found: []Found{{Address: "10.0.0.5"}}}
	c := NewCoordinator([]Provider{provider}, registry, nil, pollers, errlog.New(10), Config{})

	if _, err := c.Discover(context.Background()); err != nil {
		t.Fatalf("first Discover() error = %v", err)
	}
	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
	if summary.Created != 0 {
		t.Errorf("second sweep created %d devices, want 0", summary.Created)
	}
	if pollers.ensuredCount() != 1 {
		t.Errorf("pollers ensured = %d, want 1", pollers.ensuredCount())
	}
}

func TestConcurrentDiscoverSharesOneSweep(t *testing.T) {
	registry := device.NewRegistry()
	provider := &fakeProvider{
		name:  "static",
		found: []Found{{Address: "10.0.0.5"}},
		block: make(chan struct{}),
	}
	c := NewCoordinator([]Provider{provider}, registry, nil, &fakePollers{}, errlog.New(10), Config{})

	results := make(chan Summary, 2)
	for _i := 0; _i < 2; _i++ {
		go func() {
			s, err := c.Discover(context.Background())
			if err != nil {
				t.Errorf("Discover() error = %v", err)
			}
			results <- s
		}()
	}

	// Let both callers reach the coordinator, then release the sweep.
	time.Sleep(20 * time.Millisecond)
	close(provider.block)

	first := <-results
	second := <-results
	if calls := provider.calls.Load(); calls != 1 {
		t.Errorf("provider invoked %d times, want 1", calls)
	}
	if first != second {
		t.Errorf("joiner saw %+v, initiator %+v; want identical results", second, first)
	}
}

func TestJoinerHonorsItsOwnContext(t *testing.T) {
	provider := &fakeProvider{name: "static", block: make(chan struct{})}
	c := NewCoordinator([]Provider{provider}, device.NewRegistry(), nil, &fakePollers{}, errlog.New(10), Config{})

	go func() { _, _ = c.Discover(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Discover(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("joiner error = %v, want deadline exceeded", err)
	}
	close(provider.block)
}

func TestSweepFailureLeavesRegistryUntouched(t *testing.T) {
	registry := device.NewRegistry()
	log := errlog.New(10)
	provider := &fakeProvider{name: "mdns", err: errors.New("no multicast route")}
	c := NewCoordinator([]Provider{provider}, registry, nil, &fakePollers{}, log, Config{})

	_, err := c.Discover(context.Background())
	if !errors.Is(err, ErrSweep) {
		t.Fatalf("Discover() error = %v, want sweep failure", err)
	}
	if registry.Count() != 0 {
		t.Errorf("registry mutated by failed sweep: %d devices", registry.Count())
	}
	if log.Len() != 1 {
		t.Errorf("error log has %d entries, want 1", log.Len())
	}
}

func TestPartialProviderFailureProceeds(t *testing.T) {
	registry := device.NewRegistry()
	log := errlog.New(10)
	failing := &fakeProvider{name: "mdns", err: errors.New("no multicast route")}
	working := &fakeProvider{name: "static", found: []Found{{Address: "10.0.0.5"}}}
	c := NewCoordinator([]Provider{failing, working}, registry, nil, &fakePollers{}, log, Config{})

	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v, want success with one provider down", err)
	}
	if summary.Created != 1 {
		t.Errorf("Created = %d, want 1", summary.Created)
	}
	if log.Len() != 1 {
		t.Errorf("error log has %d entries, want the provider failure", log.Len())
	}
}

func TestReportsMergedByAddress(t *testing.T) {
	registry := device.NewRegistry()
	first := &fakeProvider{name: "mdns", found: []Found{
		{Address: "10.0.0.5", Name: "Kitchen"},
	}}
	second := &fakeProvider{name: "static", found: []Found{
		{Address: "10.0.0.5", Model: "Sonata One"},
	}}
	c := NewCoordinator([]Provider{first, second}, registry, nil, &fakePollers{}, errlog.New(10), Config{})

	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if summary.Reported != 1 {
		t.Errorf("Reported = %d, want 1 after merge", summary.Reported)
	}
	d, err := registry.GetByAddress("10.0.0.5")
	if err != nil {
		t.Fatalf("GetByAddress() error = %v", err)
	}
	if d.Identity.Name != "Kitchen" || d.Identity.Model != "Sonata One" {
		t.Errorf("identity = %+v, want fields from both providers", d.Identity)
	}
}

func TestMissingDevicesRetainedByDefault(t *testing.T) {
	registry := device.NewRegistry()
	provider := &fakeProvider{name: "static", found: []Found{
		{Address: "10.0.0.5"},
		{Address: "10.0.0.9"},
	}}
	c := NewCoordinator([]Provider{provider}, registry, nil, &fakePollers{}, errlog.New(10), Config{})

	if _, err := c.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	provider.found = []Found{{Address: "10.0.0.5"}}
	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if summary.Removed != 0 {
		t.Errorf("Removed = %d, want 0 without remove-missing", summary.Removed)
	}
	if registry.Count() != 2 {
		t.Errorf("registry has %d devices, want 2 (missing device retained)", registry.Count())
	}
}

func TestRemoveMissingPrunes(t *testing.T) {
	registry := device.NewRegistry()
	pollers := &fakePollers{}
	provider := &fakeProvider{name: "static", found: []Found{
		{Address: "10.0.0.5"},
		{Address: "10.0.0.9"},
	}}
	c := NewCoordinator([]Provider{provider}, registry, nil, pollers, errlog.New(10), Config{RemoveMissing: true})

	if _, err := c.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	provider.found = []Found{{Address: "10.0.0.5"}}
	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if summary.Removed != 1 {
		t.Errorf("Removed = %d, want 1", summary.Removed)
	}
	if registry.Count() != 1 {
		t.Errorf("registry has %d devices, want 1", registry.Count())
	}
	pollers.mu.Lock()
	defer pollers.mu.Unlock()
	if len(pollers.stopped) != 1 || pollers.stopped[0].Address != "10.0.0.9" {
		t.Errorf("stopped pollers = %v, want the pruned device", pollers.stopped)
	}
}

func TestResolverFailureTolerated(t *testing.T) {
	registry := device.NewRegistry()
	provider := &fakeProvider{name: "static", found: []Found{{Address: "10.0.0.5"}}}
	resolver := &fakeResolver{err: errors.New("connection refused")}
	c := NewCoordinator([]Provider{provider}, registry, resolver, &fakePollers{}, errlog.New(10), Config{})

	summary, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if summary.Created != 1 {
		t.Errorf("Created = %d, want 1 despite resolver failure", summary.Created)
	}
	// Keyed by address alone until a later sweep resolves identity.
	if _, err := registry.Get(device.Key{Address: "10.0.0.5"}); err != nil {
		t.Errorf("Get() error = %v, want address-keyed entry", err)
	}
}
