package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/internal/runtime"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

type fakeTransport struct {
	mu        sync.Mutex
	filters   [][]nostr.Filter
	published []*nostr.Event
	fetched   []*nostr.Event
	events    chan *nostr.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan *nostr.Event, 16)}
}

func (t *fakeTransport) Run(ctx context.Context) { <-ctx.Done() }

func (t *fakeTransport) Events() <-chan *nostr.Event { return t.events }

func (t *fakeTransport) UpdateSubscription(_ context.Context, filters []nostr.Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = append(t.filters, filters)
}

func (t *fakeTransport) Publish(_ context.Context, ev *nostr.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, ev)
	return nil
}

func (t *fakeTransport) Fetch(_ context.Context, filter nostr.Filter, _ time.Duration) []*nostr.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range t.fetched {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (t *fakeTransport) lastFilters() []nostr.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.filters) == 0 {
		return nil
	}
	return t.filters[len(t.filters)-1]
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeTransport) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.GlobalDir = t.TempDir()

	agents, err := agent.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("agent.NewStore: %v", err)
	}

	tr := newFakeTransport()
	return &Daemon{
		cfg:       cfg,
		transport: tr,
		agents:    agents,
		whitelist: map[string]bool{"owner-pubkey": true},
		runtimes:  make(map[string]*runtime.Runtime),
	}, tr
}

func testProject(t *testing.T, d *Daemon, dTag string) *project.Project {
	t.Helper()
	pm, err := agent.New("pm-" + dTag)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	if err := d.agents.Save(pm); err != nil {
		t.Fatalf("save agent: %v", err)
	}
	return &project.Project{
		Address:     "31933:owner-pubkey:" + dTag,
		DTag:        dTag,
		OwnerPubkey: "owner-pubkey",
		Agents:      []string{pm.PubKey},
		PMPubkey:    pm.PubKey,
	}
}

func TestStartRecomputesFilters(t *testing.T) {
	d, tr := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proj := testProject(t, d, "alpha")
	if err := d.start(ctx, proj); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.stopAll()

	filters := tr.lastFilters()
	if len(filters) != 5 {
		t.Fatalf("filters = %d, want 5", len(filters))
	}

	// Whitelist authors first, then project addresses, agent p-tags, lesson
	// authors, and spec-reply K filter.
	if filters[0].Authors[0] != "owner-pubkey" {
		t.Fatalf("whitelist filter = %+v", filters[0])
	}
	if got := filters[1].Tags["a"]; len(got) != 1 || got[0] != proj.Address {
		t.Fatalf("address filter = %+v", filters[1])
	}
	if got := filters[2].Tags["p"]; len(got) != 1 || got[0] != proj.Agents[0] {
		t.Fatalf("agent filter = %+v", filters[2])
	}
	if filters[3].Kinds[0] != nostr.KindAgentLesson {
		t.Fatalf("lesson filter = %+v", filters[3])
	}
	if got := filters[4].Tags["K"]; len(got) != 1 || got[0] != "30023" {
		t.Fatalf("spec-reply filter = %+v", filters[4])
	}
}

func TestRoutingByAddressThenAgent(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alpha := testProject(t, d, "alpha")
	beta := testProject(t, d, "beta")
	for _, p := range []*project.Project{alpha, beta} {
		if err := d.start(ctx, p); err != nil {
			t.Fatalf("start %s: %v", p.DTag, err)
		}
	}
	defer d.stopAll()

	byAddress := &nostr.Event{ID: "e1", Kind: nostr.KindThreadRoot,
		Tags: nostr.Tags{{"a", alpha.Address}}}
	targets := d.targetsFor(byAddress)
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if _, ok := targets[alpha.Address]; !ok {
		t.Fatal("address routing missed alpha")
	}

	byAgent := &nostr.Event{ID: "e2", Kind: nostr.KindGenericReply,
		Tags: nostr.Tags{{"p", beta.PMPubkey}}}
	targets = d.targetsFor(byAgent)
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if _, ok := targets[beta.Address]; !ok {
		t.Fatal("p-tag routing missed beta")
	}

	// Both addresses tagged: the event fans to both projects.
	fan := &nostr.Event{ID: "e3", Kind: nostr.KindGenericReply,
		Tags: nostr.Tags{{"a", alpha.Address}, {"a", beta.Address}}}
	if targets = d.targetsFor(fan); len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}

	unknown := &nostr.Event{ID: "e4", Kind: nostr.KindGenericReply,
		Tags: nostr.Tags{{"p", "stranger"}}}
	if targets = d.targetsFor(unknown); len(targets) != 0 {
		t.Fatalf("targets = %d, want 0", len(targets))
	}
}

func TestWhitelistedDefinitionActivatesProject(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer d.stopAll()

	pm, err := agent.New("pm")
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	def := &nostr.Event{ID: "def-1", PubKey: "owner-pubkey", Kind: nostr.KindProjectDef,
		CreatedAt: 1000,
		Tags: nostr.Tags{
			{"d", "gamma"},
			{"title", "Gamma"},
			{"agent", pm.PubKey, "pm"},
		}}

	d.dispatch(ctx, def)

	d.mu.RLock()
	_, loaded := d.runtimes["31933:owner-pubkey:gamma"]
	d.mu.RUnlock()
	if !loaded {
		t.Fatal("whitelisted definition did not activate the project")
	}

	// Same definition from a non-whitelisted author must not activate.
	stranger := &nostr.Event{ID: "def-2", PubKey: "stranger", Kind: nostr.KindProjectDef,
		CreatedAt: 1001,
		Tags: nostr.Tags{
			{"d", "delta"},
			{"agent", pm.PubKey, "pm"},
		}}
	d.dispatch(ctx, stranger)

	d.mu.RLock()
	_, loaded = d.runtimes["31933:stranger:delta"]
	d.mu.RUnlock()
	if loaded {
		t.Fatal("non-whitelisted definition activated a project")
	}
}

func TestLoadProjectFallsBackToDiskCache(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer d.stopAll()

	proj := testProject(t, d, "epsilon")
	if err := project.SaveCache(d.cfg.DataDir+"/projects", proj); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	// The fake transport has no stored definition; the cache carries it.
	if err := d.LoadProject(ctx, proj.Address); err != nil {
		t.Fatalf("LoadProject: %v", err)
	}

	d.mu.RLock()
	_, loaded := d.runtimes[proj.Address]
	d.mu.RUnlock()
	if !loaded {
		t.Fatal("cached project not loaded")
	}
}

func TestSplitAddress(t *testing.T) {
	kind, owner, dTag, err := splitAddress("31933:abc:my-project")
	if err != nil {
		t.Fatalf("splitAddress: %v", err)
	}
	if kind != 31933 || owner != "abc" || dTag != "my-project" {
		t.Fatalf("got (%d, %q, %q)", kind, owner, dTag)
	}

	if _, _, _, err := splitAddress("garbage"); err == nil {
		t.Fatal("malformed address accepted")
	}
}
