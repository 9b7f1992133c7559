package ciba

import (
	"context"
	"sync"
)

// DeviceRegistrar extends DeviceRegistry with the binding step performed
// by the device registration endpoint.
type DeviceRegistrar interface {
	DeviceRegistry
	RegisterDevice(ctx context.Context, userID, deviceToken string) error
}

// MemoryDeviceRegistry keeps the user to device-token binding in memory.
type MemoryDeviceRegistry struct {
	mutex   sync.RWMutex
	devices map[string]string
}

func NewMemoryDeviceRegistry() *MemoryDeviceRegistry {
	return &MemoryDeviceRegistry{devices: make(map[string]string)}
}

func (r *MemoryDeviceRegistry) RegisterDevice(ctx context.Context, userID, deviceToken string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.devices[userID] = deviceToken
	return nil
}

func (r *MemoryDeviceRegistry) HasAuthenticationDevice(ctx context.Context, userID string) (bool, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.devices[userID]
	return ok, nil
}

// DeviceToken returns the token bound to userID, for notifier
// implementations.
func (r *MemoryDeviceRegistry) DeviceToken(ctx context.Context, userID string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	deviceToken, ok := r.devices[userID]
	return deviceToken, ok
}
