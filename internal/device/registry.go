package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger is the logging surface the registry needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry wraps a Repository with an in-memory cache so the hot paths
// (state lookups from the coordinator, API reads) never touch SQLite.
// The cache is loaded by RefreshCache at startup and kept in sync by the
// mutating operations. All methods are safe for concurrent use, and
// every device handed out is a deep copy, so callers may mutate freely.
type Registry struct {
	repo    Repository
	cacheMu sync.RWMutex
	cache   map[string]*Device
	logger  Logger
}

// NewRegistry builds a registry over the given repository.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger replaces the default no-op logger.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads every device from the repository. Called once at
// startup before the coordinators spin up.
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
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice returns the device with the given ID, or ErrDeviceNotFound.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	// Not cached; the device may have been created by another path.
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// GetDeviceBySlug returns the device with the given URL-safe slug.
func (r *Registry) GetDeviceBySlug(ctx context.Context, slug string) (*Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	for _, d := range r.cache {
		if d.Slug == slug {
			return d.DeepCopy(), nil
		}
	}
	return nil, ErrDeviceNotFound
}

// ListDevices returns all devices.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// CreateDevice validates and persists a new device, generating the ID
// and slug when absent.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if device.Slug == "" {
		device.Slug = GenerateSlug(device.Name)
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// UpdateDevice validates and persists changes to an existing device.
// When the name changes and the caller did not pick a new slug, the slug
// follows the name.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	existing, err := r.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}
	if device.Name != existing.Name && device.Slug == existing.Slug {
		device.Slug = GenerateSlug(device.Name)
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetDeviceState merges state into the device's stored state. This is the
// hot path for controller reports, so the cache entry is replaced
// atomically with a merged copy.
func (r *Registry) SetDeviceState(ctx context.Context, id string, state State) error {
	if err := r.repo.UpdateState(ctx, id, state); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		if updated.State == nil {
			updated.State = make(State, len(state))
		}
		for k, v := range deepCopyMap(state) {
			updated.State[k] = v
		}
		now := time.Now().UTC()
		updated.StateUpdatedAt = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device state updated", "id", id)
	return nil
}

// SetDeviceHealth records a health transition and its timestamp.
func (r *Registry) SetDeviceHealth(ctx context.Context, id string, status HealthStatus) error {
	now := time.Now().UTC()
	if err := r.repo.UpdateHealth(ctx, id, status, now); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.HealthStatus = status
		updated.HealthLastSeen = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device health updated", "id", id, "status", status)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// GetDevicesByHealthStatus returns all devices currently in the given
// health state.
func (r *Registry) GetDevicesByHealthStatus(ctx context.Context, status HealthStatus) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var devices []Device
	for _, d := range r.cache {
		if d.HealthStatus == status {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices, nil
}

// Stats summarises the registry for the health surface.
type Stats struct {
	TotalDevices   int                  `json:"total_devices"`
	ByHealthStatus map[HealthStatus]int `json:"by_health_status"`
}

// GetStats counts devices by health status.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.cache),
		ByHealthStatus: make(map[HealthStatus]int),
	}
	for _, d := range r.cache {
		stats.ByHealthStatus[d.HealthStatus]++
	}
	return stats
}
