package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenexlabs/tenex/internal/agent"
	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/project"
	"github.com/tenexlabs/tenex/internal/relay"
	"github.com/tenexlabs/tenex/internal/runtime"
	"github.com/tenexlabs/tenex/pkg/nostr"
)

const definitionFetchTimeout = 10 * time.Second

// Transport is the daemon's view of the relay pool.
type Transport interface {
	Run(ctx context.Context)
	Events() <-chan *nostr.Event
	UpdateSubscription(ctx context.Context, filters []nostr.Filter)
	Publish(ctx context.Context, ev *nostr.Event) error
	Fetch(ctx context.Context, filter nostr.Filter, timeout time.Duration) []*nostr.Event
}

// Daemon owns the set of project runtimes and the single coordinated relay
// subscription covering all of them.
type Daemon struct {
	cfg       *config.Config
	transport Transport
	agents    *agent.Store
	whitelist map[string]bool

	mu       sync.RWMutex
	runtimes map[string]*runtime.Runtime // by project address
}

// New builds a daemon from config. Whitelist entries may be hex or npub.
func New(cfg *config.Config) (*Daemon, error) {
	cfg.DataDir = cfg.DataDirPath()
	cfg.GlobalDir = cfg.GlobalDirPath()

	agents, err := agent.NewStore(filepath.Join(cfg.GlobalDir, "agents"))
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}

	whitelist := make(map[string]bool, len(cfg.Whitelist))
	for _, entry := range cfg.Whitelist {
		hex, err := nostr.DecodeKey(entry)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", entry, err)
		}
		whitelist[hex] = true
	}

	return &Daemon{
		cfg:       cfg,
		transport: relay.NewPool(cfg.Relays),
		agents:    agents,
		whitelist: whitelist,
		runtimes:  make(map[string]*runtime.Runtime),
	}, nil
}

// Run connects to the relays, loads configured projects, and processes
// events until the context ends. Clean shutdown stops every runtime within
// its grace period.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.transport.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.agents.Watch(ctx)
	})

	for _, addr := range d.cfg.Projects {
		if err := d.LoadProject(ctx, addr); err != nil {
			slog.Error("project load failed", "project", addr, "error", err)
		}
	}
	d.refreshSubscriptions(ctx)

	g.Go(func() error {
		d.readLoop(ctx)
		return nil
	})

	err := g.Wait()
	d.stopAll()
	return err
}

func (d *Daemon) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.transport.Events():
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

// dispatch routes one inbound event: whitelisted project definitions may
// activate new projects; everything else fans out to the matching runtimes.
func (d *Daemon) dispatch(ctx context.Context, ev *nostr.Event) {
	if ev.Kind == nostr.KindProjectDef && d.whitelist[ev.PubKey] {
		addr := ev.Address()
		d.mu.RLock()
		_, loaded := d.runtimes[addr]
		d.mu.RUnlock()
		if !loaded {
			if err := d.activate(ctx, ev); err != nil {
				slog.Error("project activation failed", "project", addr, "error", err)
			}
			return
		}
	}
	d.route(ev)
}

// route fans an event to every runtime it concerns.
func (d *Daemon) route(ev *nostr.Event) {
	for _, rt := range d.targetsFor(ev) {
		rt.Enqueue(ev)
	}
}

// targetsFor selects the runtimes an event is dispatched to: addressable-id
// match first, p-tagged agent or lesson author otherwise. An event may fan to
// several projects.
func (d *Daemon) targetsFor(ev *nostr.Event) map[string]*runtime.Runtime {
	targets := make(map[string]*runtime.Runtime)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for addr, rt := range d.runtimes {
		for _, a := range ev.TagValues("a") {
			if a == addr {
				targets[addr] = rt
			}
		}
		if ev.Kind == nostr.KindProjectDef && ev.Address() == addr {
			targets[addr] = rt
		}
	}
	if len(targets) > 0 {
		return targets
	}

	for addr, rt := range d.runtimes {
		proj := rt.Project()
		for _, p := range ev.TagValues("p") {
			if proj.HasAgent(p) {
				targets[addr] = rt
			}
		}
		if ev.Kind == nostr.KindAgentLesson && proj.HasAgent(ev.PubKey) {
			targets[addr] = rt
		}
	}
	return targets
}

// LoadProject resolves an addressable id ("31933:<owner>:<dTag>") against
// the relays, falling back to the disk cache, and starts its runtime.
func (d *Daemon) LoadProject(ctx context.Context, addr string) error {
	kind, owner, dTag, err := splitAddress(addr)
	if err != nil {
		return err
	}
	if kind != nostr.KindProjectDef {
		return fmt.Errorf("address %s is not a project definition", addr)
	}

	defs := d.transport.Fetch(ctx, nostr.Filter{
		Kinds:   []int{nostr.KindProjectDef},
		Authors: []string{owner},
		Tags:    map[string][]string{"d": {dTag}},
		Limit:   1,
	}, definitionFetchTimeout)

	var proj *project.Project
	if len(defs) > 0 {
		proj, err = project.Parse(defs[0])
		if err != nil {
			return fmt.Errorf("definition for %s: %w", addr, err)
		}
	} else {
		id := projectIDFromAddress(owner, dTag)
		proj, err = project.LoadCache(filepath.Join(d.cfg.DataDir, "projects"), id)
		if err != nil {
			return fmt.Errorf("project %s unavailable on relays and disk: %w", addr, err)
		}
		slog.Warn("starting project from disk cache", "project", addr)
	}

	return d.start(ctx, proj)
}

// StartProject activates an already-parsed definition, bypassing relay and
// cache lookup. Used by single-project mode.
func (d *Daemon) StartProject(ctx context.Context, proj *project.Project) error {
	return d.start(ctx, proj)
}

func (d *Daemon) activate(ctx context.Context, def *nostr.Event) error {
	proj, err := project.Parse(def)
	if err != nil {
		return err
	}
	slog.Info("whitelisted project definition received, activating",
		"project", proj.Address, "owner", proj.OwnerPubkey)
	return d.start(ctx, proj)
}

func (d *Daemon) start(ctx context.Context, proj *project.Project) error {
	d.mu.Lock()
	if _, loaded := d.runtimes[proj.Address]; loaded {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	for _, pk := range proj.Agents {
		if _, ok := d.agents.Get(pk); !ok {
			slog.Warn("project agent has no local key, it will not execute",
				"project", proj.ID(), "pubkey", pk)
		}
	}

	rt := runtime.New(d.cfg, proj, d.agents, d.transport)
	rt.OnDefinitionChange = func(_ *runtime.Runtime, _ project.Diff) {
		d.refreshSubscriptions(context.Background())
	}
	if err := rt.Run(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.runtimes[proj.Address] = rt
	d.mu.Unlock()

	d.refreshSubscriptions(ctx)
	return nil
}

// UnloadProject stops a runtime and removes its filters.
func (d *Daemon) UnloadProject(ctx context.Context, addr string) {
	d.mu.Lock()
	rt, ok := d.runtimes[addr]
	delete(d.runtimes, addr)
	d.mu.Unlock()
	if !ok {
		return
	}
	rt.Stop()
	d.refreshSubscriptions(ctx)
}

func (d *Daemon) stopAll() {
	d.mu.Lock()
	rts := make([]*runtime.Runtime, 0, len(d.runtimes))
	for _, rt := range d.runtimes {
		rts = append(rts, rt)
	}
	d.runtimes = make(map[string]*runtime.Runtime)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range rts {
		wg.Add(1)
		go func(rt *runtime.Runtime) {
			defer wg.Done()
			rt.Stop()
		}(rt)
	}
	wg.Wait()
}

func (d *Daemon) refreshSubscriptions(ctx context.Context) {
	d.transport.UpdateSubscription(ctx, d.computeFilters())
}

func splitAddress(addr string) (kind int, owner, dTag string, err error) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", fmt.Errorf("malformed addressable id %q", addr)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &kind); err != nil {
		return 0, "", "", fmt.Errorf("malformed addressable id %q", addr)
	}
	return kind, parts[1], parts[2], nil
}

func projectIDFromAddress(owner, dTag string) string {
	if len(owner) > 8 {
		owner = owner[:8]
	}
	return owner + "-" + dTag
}
