package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"proxattend/internal/attendance"
)

// Device is a registered client install.
type Device struct {
	ID        string    `json:"deviceId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostgresDevices stores devices in the devices table.
type PostgresDevices struct {
	db *sql.DB
}

// NewPostgresDevices creates a registry over db.
func NewPostgresDevices(db *sql.DB) *PostgresDevices {
	return &PostgresDevices{db: db}
}

// Upsert records the device, updating its role if it registered before.
func (p *PostgresDevices) Upsert(ctx context.Context, deviceID, role string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || role == "" {
		return fmt.Errorf("%w: device id and role required", attendance.ErrValidation)
	}
	query, args, err := psq.Insert("devices").
		Columns("device_id", "role").
		Values(deviceID, role).
		Suffix("ON CONFLICT (device_id) DO UPDATE SET role = EXCLUDED.role").
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// MemoryDevices is the in-process registry.
type MemoryDevices struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewMemoryDevices returns an empty registry.
func NewMemoryDevices() *MemoryDevices {
	return &MemoryDevices{devices: make(map[string]Device)}
}

func (m *MemoryDevices) Upsert(_ context.Context, deviceID, role string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || role == "" {
		return fmt.Errorf("%w: device id and role required", attendance.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		d = Device{ID: deviceID, CreatedAt: time.Now().UTC()}
	}
	d.Role = role
	m.devices[deviceID] = d
	return nil
}

// Get returns a registered device.
func (m *MemoryDevices) Get(deviceID string) (Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	return d, ok
}
