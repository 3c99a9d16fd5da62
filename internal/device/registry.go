package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the cached device directory.
//
// It wraps a Repository with an in-memory cache so the dispatcher and
// the MQTT bridge can resolve device→network without a query per event.
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating mutations.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.GUID] = &d
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// Get retrieves a device by GUID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, guid string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[guid]
	r.cacheMu.RUnlock()

	if ok {
		cp := *cached
		return &cp, nil
	}

	// Fall back to repository (might be a new device not yet cached)
	d, err := r.repo.GetByGUID(ctx, guid)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[guid] = d
	r.cacheMu.Unlock()

	cp := *d
	return &cp, nil
}

// NetworkID resolves the network a device belongs to.
// Returns nil for devices outside any network; ErrDeviceNotFound for
// unregistered GUIDs.
func (r *Registry) NetworkID(ctx context.Context, guid string) (*int64, error) {
	d, err := r.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	return d.NetworkID, nil
}

// List retrieves all registered devices.
// The returned devices are copies; callers can safely modify them.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d)
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// Register creates a new device entry.
func (r *Registry) Register(ctx context.Context, d *Device) error {
	if d.GUID == "" {
		return fmt.Errorf("device GUID is required")
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	cp := *d
	r.cacheMu.Lock()
	r.cache[d.GUID] = &cp
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "guid", d.GUID, "name", d.Name)
	return nil
}

// MarkSeen records device contact: sets the online flag and last-seen time.
func (r *Registry) MarkSeen(ctx context.Context, guid string, online bool) error {
	now := time.Now().UTC()
	if err := r.repo.UpdatePresence(ctx, guid, online, now); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[guid]; ok {
		updated := *cached
		updated.IsOnline = online
		updated.LastSeenAt = &now
		r.cache[guid] = &updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device presence updated", "guid", guid, "online", online)
	return nil
}

// Remove deletes a device from the directory.
func (r *Registry) Remove(ctx context.Context, guid string) error {
	if err := r.repo.Delete(ctx, guid); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, guid)
	r.cacheMu.Unlock()

	r.logger.Info("device removed", "guid", guid)
	return nil
}

// Count returns the number of cached devices.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
