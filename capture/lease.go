package capture

import (
	"fmt"
	"sync"
)

// leaseTable records which stream holds each device in this process.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]string // device key -> owner stream ID
}

var leases = &leaseTable{held: make(map[string]string)}

// Lease is an exclusive claim on a device identifier.
type Lease struct {
	table  *leaseTable
	device string
	owner  string
	once   sync.Once
}

func (t *leaseTable) acquire(deviceID, owner string) (*Lease, error) {
	key := DeviceKey(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if holder, ok := t.held[key]; ok {
		return nil, fmt.Errorf("%w: %s is held by stream %s", ErrDeviceUnavailable, deviceID, holder)
	}
	t.held[key] = owner
	return &Lease{table: t, device: key, owner: owner}, nil
}

// Release gives the device back. Only the first call has an effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.table.mu.Lock()
		defer l.table.mu.Unlock()
		if l.table.held[l.device] == l.owner {
			delete(l.table.held, l.device)
		}
	})
}

// Device returns the normalized device identifier.
func (l *Lease) Device() string {
	return l.device
}

func (t *leaseTable) holder(deviceID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.held[DeviceKey(deviceID)]
	return owner, ok
}
