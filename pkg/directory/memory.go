package directory

import (
	"context"
	"sync"

	"homecloud/pkg/types"
)

// Memory is a mutable in-memory directory used for single-process deployments
// and tests. All lookups return copies so callers never observe concurrent
// mutation.
type Memory struct {
	mu        sync.RWMutex
	users     map[types.UserID]*User
	byEmail   map[string]types.UserID
	instances map[types.InstanceID]*Instance
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[types.UserID]*User),
		byEmail:   make(map[string]types.UserID),
		instances: make(map[types.InstanceID]*Instance),
	}
}

func (m *Memory) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Devices == nil {
		u.Devices = make(map[types.DeviceID]*Device)
	}
	m.users[u.ID] = u
	m.byEmail[u.Email] = u.ID
}

func (m *Memory) AddInstance(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst
}

func (m *Memory) AddDevice(userID types.UserID, d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Devices[d.ID] = d
	}
}

func (m *Memory) RevokeUser(id types.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Revoked = true
	}
}

func (m *Memory) RevokeDevice(userID types.UserID, deviceID types.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		if d, ok := u.Devices[deviceID]; ok {
			d.Revoked = true
		}
	}
}

func (m *Memory) RevokeInstance(id types.InstanceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.Revoked = true
	}
}

func (m *Memory) LookupUser(ctx context.Context, id types.UserID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Memory) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

func (m *Memory) LookupInstance(ctx context.Context, id types.InstanceID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func copyUser(u *User) *User {
	cp := *u
	cp.Salt = append([]byte(nil), u.Salt...)
	cp.Verifier = append([]byte(nil), u.Verifier...)
	cp.Scopes = append([]string(nil), u.Scopes...)
	cp.Devices = make(map[types.DeviceID]*Device, len(u.Devices))
	for id, d := range u.Devices {
		dc := *d
		cp.Devices[id] = &dc
	}
	return &cp
}
