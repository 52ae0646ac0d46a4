package suppliers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
)

type registration struct {
	config  SupplierConfig
	adapter Adapter
}

// Registry maps supplier names to adapters. It is built once at startup and
// only changes through Reload, which swaps in a fully validated snapshot.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[string]registration
}

func NewRegistry(cfg Config, factories map[string]Factory) (*Registry, error) {
	r := &Registry{factories: factories}
	entries, err := r.build(cfg)
	if err != nil {
		return nil, err
	}
	r.entries = entries
	return r, nil
}

func (r *Registry) build(cfg Config) (map[string]registration, error) {
	entries := make(map[string]registration, len(cfg.Suppliers))
	for _, name := range cfg.Names() {
		sc := cfg.Suppliers[name]
		factory, ok := r.factories[sc.Adapter]
		if !ok {
			return nil, fmt.Errorf("supplier %s: no adapter registered as %q", name, sc.Adapter)
		}
		adapter, err := factory(name, sc)
		if err != nil {
			return nil, fmt.Errorf("supplier %s: %w", name, err)
		}
		if sc.Mode == ModeAPIPoll {
			if _, ok := adapter.(Poller); !ok {
				return nil, fmt.Errorf("supplier %s: adapter %q cannot poll", name, sc.Adapter)
			}
		}
		entries[name] = registration{config: sc, adapter: adapter}
	}
	return entries, nil
}

// Reload replaces every registration. On error the current set is kept.
func (r *Registry) Reload(cfg Config) error {
	entries, err := r.build(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	logger.Log.WithField("suppliers", len(entries)).Info("Supplier registry reloaded")
	return nil
}

func (r *Registry) lookup(name string) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[normalizeName(name)]
	if !ok {
		return registration{}, fmt.Errorf("%w: %s", ErrUnknownSupplier, name)
	}
	return reg, nil
}

func (r *Registry) Resolve(name string) (Adapter, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return reg.adapter, nil
}

func (r *Registry) Poller(name string) (Poller, error) {
	adapter, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	poller, ok := adapter.(Poller)
	if !ok {
		return nil, fmt.Errorf("supplier %s does not support polling", name)
	}
	return poller, nil
}

func (r *Registry) ModeOf(name string) (Mode, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	return reg.config.Mode, nil
}

func (r *Registry) Config(name string) (SupplierConfig, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return SupplierConfig{}, err
	}
	return reg.config, nil
}

// Tenant returns the destination settings of one tenant of a supplier.
func (r *Registry) Tenant(supplier, tenant string) (TenantConfig, bool) {
	reg, err := r.lookup(supplier)
	if err != nil {
		return TenantConfig{}, false
	}
	tc, ok := reg.config.Tenants[normalizeName(tenant)]
	return tc, ok
}

func (r *Registry) Tenants(name string) []string {
	reg, err := r.lookup(name)
	if err != nil {
		return nil
	}
	return reg.config.TenantNames()
}

func (r *Registry) ListByMode(mode Mode) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, reg := range r.entries {
		if reg.config.Mode == mode {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Summaries() []models.SupplierSummary {
	var out []models.SupplierSummary
	for _, name := range r.Names() {
		reg, err := r.lookup(name)
		if err != nil {
			continue
		}
		out = append(out, models.SupplierSummary{
			Name:    name,
			Mode:    string(reg.config.Mode),
			Adapter: reg.config.Adapter,
			Tenants: reg.config.TenantNames(),
		})
	}
	return out
}
