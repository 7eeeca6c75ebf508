package gateway

import (
	"sync"

	"homecloud/pkg/relay"
	"homecloud/pkg/types"
)

// Registry is the per-process table of live connections and their channel
// memberships. It is owned by the Gateway instance and handed by reference to
// the relay router and the revocation watcher at construction time; nothing
// about it is shared across processes.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	channels    map[types.ChannelID]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		channels:    make(map[types.ChannelID]map[string]*Connection),
	}
}

func (r *Registry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[c.id] = c
}

// bind joins the connection to its channels. Membership is transient: it is
// reconstructed on every (re)connect and fully released on disconnect.
func (r *Registry) bind(c *Connection, channels []types.ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		if r.channels[ch] == nil {
			r.channels[ch] = make(map[string]*Connection)
		}
		r.channels[ch][c.id] = c
	}
}

// remove releases the connection and all its channel memberships.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, c.id)
	for ch, members := range r.channels {
		delete(members, c.id)
		if len(members) == 0 {
			delete(r.channels, ch)
		}
	}
}

// Lookup returns the live connections bound to a channel. It satisfies
// relay.Registry.
func (r *Registry) Lookup(channel types.ChannelID) []relay.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	if len(members) == 0 {
		return nil
	}
	conns := make([]relay.Conn, 0, len(members))
	for _, c := range members {
		conns = append(conns, c)
	}
	return conns
}

// CloseSubject force-closes every local connection owned by the subject and
// returns how many were closed. It satisfies the watcher's closer interface.
func (r *Registry) CloseSubject(kind types.SubjectKind, id string, reason string) int {
	channel := types.Subject{ID: id, Kind: kind}.Channel()

	r.mu.RLock()
	victims := make([]*Connection, 0, len(r.channels[channel]))
	for _, c := range r.channels[channel] {
		victims = append(victims, c)
	}
	r.mu.RUnlock()

	for _, c := range victims {
		c.closeWithReason(reason)
	}
	return len(victims)
}

// CloseDevice force-closes the user's connections that authenticated with the
// given device.
func (r *Registry) CloseDevice(userID types.UserID, deviceID types.DeviceID, reason string) int {
	channel := types.UserChannel(userID)

	r.mu.RLock()
	var victims []*Connection
	for _, c := range r.channels[channel] {
		if c.DeviceID() == string(deviceID) {
			victims = append(victims, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range victims {
		c.closeWithReason(reason)
	}
	return len(victims)
}

// Counts reports connection totals for the status endpoint.
func (r *Registry) Counts() (total, authenticated, channels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connections {
		if c.Authenticated() {
			authenticated++
		}
	}
	return len(r.connections), authenticated, len(r.channels)
}
