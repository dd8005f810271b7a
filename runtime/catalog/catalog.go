// Package catalog implements the layered agent catalog: static definitions
// from the configuration file overlaid by persisted rows, with global and
// per-user scopes. It also owns the class registry used to turn definitions
// into constructors.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/storage"
)

// ReservedSeedMarker is the store row name used to record that the static
// catalog was seeded. The write API rejects it.
const ReservedSeedMarker = "__static_seeded__"

// Catalog is the layered read/write view over agent definitions.
// Reads are safe for concurrent use; writes go through transactional
// upserts in the store.
type Catalog struct {
	store    storage.AgentStore
	registry *Registry
	static   map[string]*agent.Settings
	order    []string // static names in config order
	logger   telemetry.Logger
}

// New builds a catalog over the given store and registry. The static set
// comes from configuration and is validated during Bootstrap.
func New(store storage.AgentStore, registry *Registry, static []agent.Settings, logger telemetry.Logger) *Catalog {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := &Catalog{
		store:    store,
		registry: registry,
		static:   make(map[string]*agent.Settings, len(static)),
		logger:   logger,
	}
	for i := range static {
		s := static[i]
		c.static[s.Name] = &s
		c.order = append(c.order, s.Name)
	}
	return c
}

// Bootstrap validates the static set, seeds it into the store exactly once,
// and prunes persisted rows whose class no longer resolves. Static integrity
// failures abort startup; persisted row corruption is logged and skipped.
func (c *Catalog) Bootstrap(ctx context.Context) error {
	for _, name := range c.order {
		s := c.static[name]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("static catalog: %w", err)
		}
		if s.Enabled && s.ClassName != "" && !c.registry.Known(s.ClassName) {
			return fmt.Errorf("static agent %q: class %q: %w", s.Name, s.ClassName, ErrAgentClassUnresolvable)
		}
	}

	seeded, err := c.store.StaticSeeded(ctx)
	if err != nil {
		return fmt.Errorf("check static seed marker: %w", err)
	}
	if !seeded {
		for _, name := range c.order {
			rec, err := encodeRecord(c.static[name], storage.ScopeGlobal, "")
			if err != nil {
				return fmt.Errorf("seed static agent %q: %w", name, err)
			}
			if err := c.store.Save(ctx, rec); err != nil {
				return fmt.Errorf("seed static agent %q: %w", name, err)
			}
		}
		if err := c.store.MarkStaticSeeded(ctx); err != nil {
			return fmt.Errorf("mark static seeded: %w", err)
		}
		c.logger.Info(ctx, "static agent catalog seeded", "agents", len(c.order))
	}

	return c.pruneStaleRows(ctx)
}

// pruneStaleRows removes persisted definitions whose class is no longer
// registered. Dynamic definitions (empty class) are left alone.
func (c *Catalog) pruneStaleRows(ctx context.Context) error {
	recs, err := c.store.LoadByScope(ctx, storage.ScopeGlobal, "")
	if err != nil {
		return fmt.Errorf("load persisted agents: %w", err)
	}
	for _, rec := range recs {
		if rec.ClassName == "" || c.registry.Known(rec.ClassName) {
			continue
		}
		c.logger.Warn(ctx, "removing agent with unresolvable class",
			"agent", rec.Name, "class", rec.ClassName)
		if err := c.store.Delete(ctx, rec.Name, storage.ScopeGlobal, ""); err != nil {
			return fmt.Errorf("prune stale agent %q: %w", rec.Name, err)
		}
	}
	return nil
}

// Get resolves one definition. In the global scope the persisted row wins
// over the static entry; in the user scope only persisted overrides exist.
func (c *Catalog) Get(ctx context.Context, name string, scope storage.Scope, scopeID string) (*agent.Settings, error) {
	if name == ReservedSeedMarker {
		return nil, fmt.Errorf("%q: %w", name, ErrReservedName)
	}
	rec, err := c.store.Get(ctx, name, scope, scopeID)
	switch {
	case err == nil:
		s, derr := decodeRecord(rec)
		if derr != nil {
			c.logger.Warn(ctx, "skipping corrupt persisted agent", "agent", rec.Name, "err", derr.Error())
			break
		}
		return s, nil
	case errorsIsNotFound(err):
	default:
		return nil, fmt.Errorf("load agent %q: %w", name, err)
	}
	if scope == storage.ScopeGlobal {
		if s, ok := c.static[name]; ok {
			clone := *s
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrAgentNotFound)
}

// LoadAllGlobal returns the merged global catalog: static definitions
// overlaid by persisted rows, in stable name order.
func (c *Catalog) LoadAllGlobal(ctx context.Context) ([]*agent.Settings, error) {
	merged := make(map[string]*agent.Settings, len(c.static))
	for name, s := range c.static {
		clone := *s
		merged[name] = &clone
	}
	recs, err := c.store.LoadByScope(ctx, storage.ScopeGlobal, "")
	if err != nil {
		return nil, fmt.Errorf("load persisted agents: %w", err)
	}
	for _, rec := range recs {
		s, derr := decodeRecord(rec)
		if derr != nil {
			c.logger.Warn(ctx, "skipping corrupt persisted agent", "agent", rec.Name, "err", derr.Error())
			continue
		}
		merged[s.Name] = s
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*agent.Settings, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out, nil
}

// ListForUser returns the global catalog overlaid with the user's own
// overrides.
func (c *Catalog) ListForUser(ctx context.Context, userID string) ([]*agent.Settings, error) {
	global, err := c.LoadAllGlobal(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]*agent.Settings, len(global))
	var names []string
	for _, s := range global {
		merged[s.Name] = s
		names = append(names, s.Name)
	}
	recs, err := c.store.LoadByScope(ctx, storage.ScopeUser, userID)
	if err != nil {
		return nil, fmt.Errorf("load user agents: %w", err)
	}
	for _, rec := range recs {
		s, derr := decodeRecord(rec)
		if derr != nil {
			c.logger.Warn(ctx, "skipping corrupt persisted agent", "agent", rec.Name, "err", derr.Error())
			continue
		}
		if _, ok := merged[s.Name]; !ok {
			names = append(names, s.Name)
		}
		merged[s.Name] = s
	}
	sort.Strings(names)
	out := make([]*agent.Settings, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out, nil
}

// Create persists a new definition, rejecting collisions with existing
// definitions in the same scope.
func (c *Catalog) Create(ctx context.Context, s *agent.Settings, scope storage.Scope, scopeID string) error {
	if _, err := c.Get(ctx, s.Name, scope, scopeID); err == nil {
		return fmt.Errorf("%q: %w", s.Name, ErrAgentAlreadyExists)
	}
	return c.Save(ctx, s, scope, scopeID)
}

// Save upserts a definition after validating shape and crew integrity.
func (c *Catalog) Save(ctx context.Context, s *agent.Settings, scope storage.Scope, scopeID string) error {
	if s.Name == ReservedSeedMarker {
		return fmt.Errorf("%q: %w", s.Name, ErrReservedName)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ClassName != "" && !c.registry.Known(s.ClassName) {
		return fmt.Errorf("agent %q: class %q: %w", s.Name, s.ClassName, ErrAgentClassUnresolvable)
	}
	if s.Kind == agent.KindLeader {
		if err := c.checkCrew(ctx, s); err != nil {
			return err
		}
	}
	rec, err := encodeRecord(s, scope, scopeID)
	if err != nil {
		return fmt.Errorf("encode agent %q: %w", s.Name, err)
	}
	return c.store.Save(ctx, rec)
}

// Delete removes a persisted definition. Definitions owned by the static
// catalog cannot be removed at runtime.
func (c *Catalog) Delete(ctx context.Context, name string, scope storage.Scope, scopeID string) error {
	if name == ReservedSeedMarker {
		return fmt.Errorf("%q: %w", name, ErrReservedName)
	}
	if scope == storage.ScopeGlobal {
		if _, ok := c.static[name]; ok {
			return fmt.Errorf("%q is defined in the static catalog: %w", name, ErrAgentUpdatesDisabled)
		}
	}
	err := c.store.Delete(ctx, name, scope, scopeID)
	if errorsIsNotFound(err) {
		return fmt.Errorf("%q: %w", name, ErrAgentNotFound)
	}
	return err
}

// checkCrew verifies that every crew member exists and is enabled, and that
// no crew chain loops back on itself. A member reachable through two separate
// branches is legal; only a back-edge into the current chain is a cycle.
func (c *Catalog) checkCrew(ctx context.Context, s *agent.Settings) error {
	done := map[string]bool{}
	var walk func(path map[string]bool, crew []string) error
	walk = func(path map[string]bool, crew []string) error {
		for _, name := range crew {
			if path[name] {
				return fmt.Errorf("leader %q reaches %q through its own chain: %w", s.Name, name, ErrCrewCycle)
			}
			member, err := c.Get(ctx, name, storage.ScopeGlobal, "")
			if err != nil {
				return fmt.Errorf("leader %q crew member %q: %w", s.Name, name, ErrCrewMemberInvalid)
			}
			if !member.Enabled {
				return fmt.Errorf("leader %q crew member %q is disabled: %w", s.Name, name, ErrCrewMemberInvalid)
			}
			if done[name] {
				continue
			}
			path[name] = true
			if err := walk(path, member.Crew); err != nil {
				return err
			}
			delete(path, name)
			done[name] = true
		}
		return nil
	}
	return walk(map[string]bool{s.Name: true}, s.Crew)
}

func encodeRecord(s *agent.Settings, scope storage.Scope, scopeID string) (storage.AgentRecord, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return storage.AgentRecord{}, err
	}
	return storage.AgentRecord{
		Name:      s.Name,
		Scope:     scope,
		ScopeID:   scopeID,
		Enabled:   s.Enabled,
		ClassName: s.ClassName,
		Kind:      string(s.Kind),
		Payload:   payload,
	}, nil
}

func decodeRecord(rec storage.AgentRecord) (*agent.Settings, error) {
	var s agent.Settings
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return nil, fmt.Errorf("decode agent %q: %w", rec.Name, err)
	}
	if s.Name == "" {
		s.Name = rec.Name
	}
	return &s, nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
