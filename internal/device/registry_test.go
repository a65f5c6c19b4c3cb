package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	// For testing error paths
	createErr       error
	updateErr       error
	deleteErr       error
	updateStateErr  error
	updateHealthErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
	}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		copy := *d
		return &copy, nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d)
	}
	return devices, nil
}

func (m *MockRepository) Create(_ context.Context, device *Device) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[device.ID]; exists {
		return ErrDeviceExists
	}

	copy := *device
	m.devices[device.ID] = &copy
	return nil
}

func (m *MockRepository) Update(_ context.Context, device *Device) error {
	if m.updateErr != nil {
		return m.updateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[device.ID]; !exists {
		return ErrDeviceNotFound
	}

	copy := *device
	m.devices[device.ID] = &copy
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[id]; !exists {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) UpdateState(_ context.Context, id string, state State) error {
	if m.updateStateErr != nil {
		return m.updateStateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, exists := m.devices[id]
	if !exists {
		return ErrDeviceNotFound
	}
	if d.State == nil {
		d.State = make(State, len(state))
	}
	for k, v := range state {
		d.State[k] = v
	}
	now := time.Now().UTC()
	d.StateUpdatedAt = &now
	return nil
}

func (m *MockRepository) UpdateHealth(_ context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	if m.updateHealthErr != nil {
		return m.updateHealthErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, exists := m.devices[id]
	if !exists {
		return ErrDeviceNotFound
	}
	d.HealthStatus = status
	d.HealthLastSeen = &lastSeen
	return nil
}

func registryDevice(id, name, address string) *Device {
	return &Device{
		ID:           id,
		Name:         name,
		Slug:         GenerateSlug(name),
		Address:      address,
		State:        State{},
		HealthStatus: HealthStatusUnknown,
	}
}

func TestRegistry_CreateDevice(t *testing.T) {
	t.Run("creates valid device", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)
		ctx := context.Background()

		dev := registryDevice("", "Garden Bed Controller", "AA:BB:CC:DD:EE:01")
		if err := registry.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		if dev.ID == "" {
			t.Error("CreateDevice() did not generate ID")
		}
		if dev.Slug != "garden-bed-controller" {
			t.Errorf("Slug = %q, want %q", dev.Slug, "garden-bed-controller")
		}
		if registry.GetDeviceCount() != 1 {
			t.Errorf("GetDeviceCount() = %d, want 1", registry.GetDeviceCount())
		}
	})

	t.Run("rejects invalid address", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)
		ctx := context.Background()

		dev := registryDevice("", "Bad Address", "not-a-mac")
		err := registry.CreateDevice(ctx, dev)
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("CreateDevice() error = %v, want ErrInvalidAddress", err)
		}
	})

	t.Run("propagates repository error", func(t *testing.T) {
		repo := NewMockRepository()
		repo.createErr = errors.New("disk full")
		registry := NewRegistry(repo)
		ctx := context.Background()

		dev := registryDevice("", "Unlucky", "AA:BB:CC:DD:EE:02")
		if err := registry.CreateDevice(ctx, dev); err == nil {
			t.Error("CreateDevice() error = nil, want error")
		}
		if registry.GetDeviceCount() != 0 {
			t.Error("cache updated despite repository failure")
		}
	})
}

func TestRegistry_GetDevice(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-001", "Cached Device", "AA:BB:CC:DD:EE:10")
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("returns deep copy from cache", func(t *testing.T) {
		got, err := registry.GetDevice(ctx, "dev-001")
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}

		// Mutating the returned copy must not affect the cache
		got.Name = "Mutated"
		got.State["injected"] = true

		again, err := registry.GetDevice(ctx, "dev-001")
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if again.Name != "Cached Device" {
			t.Errorf("cache mutated: Name = %q", again.Name)
		}
		if _, ok := again.State["injected"]; ok {
			t.Error("cache mutated: state key leaked")
		}
	})

	t.Run("falls back to repository on cache miss", func(t *testing.T) {
		// Insert directly into the repository, bypassing the registry cache
		uncached := registryDevice("dev-uncached", "Direct", "AA:BB:CC:DD:EE:11")
		if err := repo.Create(ctx, uncached); err != nil {
			t.Fatalf("repo.Create() error = %v", err)
		}

		got, err := registry.GetDevice(ctx, "dev-uncached")
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Name != "Direct" {
			t.Errorf("Name = %q, want %q", got.Name, "Direct")
		}
	})

	t.Run("returns ErrDeviceNotFound for missing device", func(t *testing.T) {
		_, err := registry.GetDevice(ctx, "nonexistent")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestRegistry_GetDeviceBySlug(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-slug", "Herb Patch", "AA:BB:CC:DD:EE:20")
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	got, err := registry.GetDeviceBySlug(ctx, "herb-patch")
	if err != nil {
		t.Fatalf("GetDeviceBySlug() error = %v", err)
	}
	if got.ID != "dev-slug" {
		t.Errorf("ID = %q, want %q", got.ID, "dev-slug")
	}

	_, err = registry.GetDeviceBySlug(ctx, "no-such-slug")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDeviceBySlug() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_RefreshCache(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	// Populate repository directly
	for _, d := range []*Device{
		registryDevice("dev-1", "Zone One", "AA:BB:CC:DD:EE:30"),
		registryDevice("dev-2", "Zone Two", "AA:BB:CC:DD:EE:31"),
	} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("repo.Create() error = %v", err)
		}
	}

	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	if registry.GetDeviceCount() != 2 {
		t.Errorf("GetDeviceCount() = %d, want 2", registry.GetDeviceCount())
	}
}

func TestRegistry_UpdateDevice(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-upd", "Old Name", "AA:BB:CC:DD:EE:40")
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	t.Run("regenerates slug when name changes", func(t *testing.T) {
		updated := dev.DeepCopy()
		updated.Name = "New Name"
		if err := registry.UpdateDevice(ctx, updated); err != nil {
			t.Fatalf("UpdateDevice() error = %v", err)
		}
		if updated.Slug != "new-name" {
			t.Errorf("Slug = %q, want %q", updated.Slug, "new-name")
		}
	})

	t.Run("returns ErrDeviceNotFound for missing device", func(t *testing.T) {
		ghost := registryDevice("dev-ghost", "Ghost", "AA:BB:CC:DD:EE:41")
		err := registry.UpdateDevice(ctx, ghost)
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("UpdateDevice() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestRegistry_DeleteDevice(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-del", "Doomed", "AA:BB:CC:DD:EE:50")
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	if err := registry.DeleteDevice(ctx, "dev-del"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	if registry.GetDeviceCount() != 0 {
		t.Errorf("GetDeviceCount() = %d, want 0", registry.GetDeviceCount())
	}

	_, err := registry.GetDevice(ctx, "dev-del")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_SetDeviceState(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-state", "Stateful", "AA:BB:CC:DD:EE:60")
	dev.State = State{"total_volume_l": 5.0}
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	if err := registry.SetDeviceState(ctx, "dev-state", State{"pump_on": true}); err != nil {
		t.Fatalf("SetDeviceState() error = %v", err)
	}

	got, err := registry.GetDevice(ctx, "dev-state")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.State["pump_on"] != true {
		t.Errorf("State[pump_on] = %v, want true", got.State["pump_on"])
	}
	// Existing keys survive a partial update
	if got.State["total_volume_l"] != 5.0 {
		t.Errorf("State[total_volume_l] = %v, want 5.0", got.State["total_volume_l"])
	}
	if got.StateUpdatedAt == nil {
		t.Error("StateUpdatedAt not set")
	}
}

func TestRegistry_SetDeviceHealth(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	dev := registryDevice("dev-health", "Healthy", "AA:BB:CC:DD:EE:70")
	if err := registry.CreateDevice(ctx, dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	if err := registry.SetDeviceHealth(ctx, "dev-health", HealthStatusOnline); err != nil {
		t.Fatalf("SetDeviceHealth() error = %v", err)
	}

	got, err := registry.GetDevice(ctx, "dev-health")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.HealthStatus != HealthStatusOnline {
		t.Errorf("HealthStatus = %q, want %q", got.HealthStatus, HealthStatusOnline)
	}
	if got.HealthLastSeen == nil {
		t.Error("HealthLastSeen not set")
	}
}

func TestRegistry_GetDevicesByHealthStatus(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	for _, d := range []*Device{
		registryDevice("dev-on", "Online One", "AA:BB:CC:DD:EE:80"),
		registryDevice("dev-off", "Offline One", "AA:BB:CC:DD:EE:81"),
	} {
		if err := registry.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
	}
	if err := registry.SetDeviceHealth(ctx, "dev-on", HealthStatusOnline); err != nil {
		t.Fatalf("SetDeviceHealth() error = %v", err)
	}
	if err := registry.SetDeviceHealth(ctx, "dev-off", HealthStatusOffline); err != nil {
		t.Fatalf("SetDeviceHealth() error = %v", err)
	}

	online, err := registry.GetDevicesByHealthStatus(ctx, HealthStatusOnline)
	if err != nil {
		t.Fatalf("GetDevicesByHealthStatus() error = %v", err)
	}
	if len(online) != 1 || online[0].ID != "dev-on" {
		t.Errorf("GetDevicesByHealthStatus(online) = %v, want [dev-on]", online)
	}
}

func TestRegistry_GetStats(t *testing.T) {
	repo := NewMockRepository()
	registry := NewRegistry(repo)
	ctx := context.Background()

	for _, d := range []*Device{
		registryDevice("dev-s1", "Stats One", "AA:BB:CC:DD:EE:90"),
		registryDevice("dev-s2", "Stats Two", "AA:BB:CC:DD:EE:91"),
	} {
		if err := registry.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
	}
	if err := registry.SetDeviceHealth(ctx, "dev-s1", HealthStatusOnline); err != nil {
		t.Fatalf("SetDeviceHealth() error = %v", err)
	}

	stats := registry.GetStats()
	if stats.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", stats.TotalDevices)
	}
	if stats.ByHealthStatus[HealthStatusOnline] != 1 {
		t.Errorf("ByHealthStatus[online] = %d, want 1", stats.ByHealthStatus[HealthStatusOnline])
	}
	if stats.ByHealthStatus[HealthStatusUnknown] != 1 {
		t.Errorf("ByHealthStatus[unknown] = %d, want 1", stats.ByHealthStatus[HealthStatusUnknown])
	}
}
