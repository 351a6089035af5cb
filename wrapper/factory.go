package wrapper

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrWrapperExists is returned when creating a wrapper for an asset that
// already has one.
var ErrWrapperExists = errors.New("wrapper already exists")

// ErrWrapperNotFound is returned when looking up a wrapper for an asset that
// has none.
var ErrWrapperNotFound = errors.New("wrapper not found")

const factoryPrefix = "wrappermeta/"

// wrapperRecord is the persisted registration; the wrapper itself is
// reconstructed from it at startup.
type wrapperRecord struct {
	Asset string `cbor:"asset"`
}

// Factory creates and tracks one wrapper per underlying asset, restoring
// registrations from the store at startup.
type Factory struct {
	mu       sync.Mutex
	deps     Deps
	wrappers map[string]*Wrapper
}

// NewFactory builds a factory and reloads previously created wrappers.
func NewFactory(deps Deps) (*Factory, error) {
	f := &Factory{deps: deps, wrappers: make(map[string]*Wrapper)}

	err := deps.Store.List(factoryPrefix, func(key string, raw []byte) error {
		var record wrapperRecord
		if err := cbor.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("load wrapper %s: %w", key, err)
		}
		f.wrappers[record.Asset] = newWrapper(record.Asset, deps)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list wrappers: %w", err)
	}
	return f, nil
}

// Create registers a wrapper for asset. At most one wrapper exists per asset.
func (f *Factory) Create(asset string) (*Wrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.wrappers[asset]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWrapperExists, asset)
	}
	if err := f.deps.Store.Put(factoryPrefix+asset, wrapperRecord{Asset: asset}); err != nil {
		return nil, fmt.Errorf("persist wrapper: %w", err)
	}

	w := newWrapper(asset, f.deps)
	f.wrappers[asset] = w
	f.deps.Logger.Info().Str("asset", asset).Msg("wrapper created")
	return w, nil
}

// Get returns the wrapper for asset.
func (f *Factory) Get(asset string) (*Wrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.wrappers[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrapperNotFound, asset)
	}
	return w, nil
}

// All returns every registered wrapper, ordered by asset id.
func (f *Factory) All() []*Wrapper {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Wrapper, 0, len(f.wrappers))
	for _, w := range f.wrappers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].asset < out[j].asset })
	return out
}

// Count returns the number of registered wrappers.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.wrappers)
}
