package instances

import (
	"sync"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

// Registry is the coordinator's directory of known instances. An instance
// becomes known when it first connects; on disconnect it remains listed with
// status disconnected so callers can still resolve its name.
type Registry struct {
	mu        sync.RWMutex
	instances map[int]*instanceEntry
}

type instanceEntry struct {
	info models.Instance
	conn *connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[int]*instanceEntry)}
}

// register adds or reconnects an instance. A reconnect replaces the old
// connection and restores connected status.
func (r *Registry) register(id int, name string, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[id] = &instanceEntry{
		info: models.Instance{ID: id, Name: name, Status: models.InstanceConnected},
		conn: conn,
	}
}

// markDisconnected flips an instance to disconnected if the departing
// connection is still its current one. A stale disconnect after a fast
// reconnect must not clobber the fresh connection.
func (r *Registry) markDisconnected(id int, conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[id]
	if !ok || entry.conn != conn {
		return
	}
	entry.info.Status = models.InstanceDisconnected
	entry.conn = nil
}

// MarkDeleted flags an instance as removed from the cluster. Deleted
// instances no longer resolve as transfer targets.
func (r *Registry) MarkDeleted(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.instances[id]; ok {
		entry.info.Status = models.InstanceDeleted
		entry.conn = nil
	}
}

// Get returns the instance with the given id.
func (r *Registry) Get(id int) (models.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[id]
	if !ok {
		return models.Instance{}, false
	}
	return entry.info, true
}

// Connected returns all instances currently connected, in no particular
// order.
func (r *Registry) Connected() []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Instance, 0, len(r.instances))
	for _, entry := range r.instances {
		if entry.info.Status == models.InstanceConnected {
			out = append(out, entry.info)
		}
	}
	return out
}

// All returns every known instance regardless of status.
func (r *Registry) All() []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Instance, 0, len(r.instances))
	for _, entry := range r.instances {
		out = append(out, entry.info)
	}
	return out
}

// ResolveTarget resolves an instance by integer id or display name and
// returns its canonical coordinates. Returns nil when the identifier is
// unknown or the instance is marked deleted. JSON numbers arrive as float64,
// so that shape is accepted too.
func (r *Registry) ResolveTarget(identifier any) *models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch v := identifier.(type) {
	case int:
		return r.resolveByIDLocked(v)
	case int64:
		return r.resolveByIDLocked(int(v))
	case float64:
		return r.resolveByIDLocked(int(v))
	case string:
		for _, entry := range r.instances {
			if entry.info.Name == v && entry.info.Status != models.InstanceDeleted {
				inst := entry.info
				return &inst
			}
		}
	}
	return nil
}

// ResolveName returns the display name for an instance id.
func (r *Registry) ResolveName(id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[id]
	if !ok {
		return "", false
	}
	return entry.info.Name, true
}

func (r *Registry) resolveByIDLocked(id int) *models.Instance {
	entry, ok := r.instances[id]
	if !ok || entry.info.Status == models.InstanceDeleted {
		return nil
	}
	inst := entry.info
	return &inst
}

// connectionFor returns the live connection for an instance.
func (r *Registry) connectionFor(id int) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.instances[id]
	if !ok || entry.conn == nil {
		return nil, false
	}
	return entry.conn, true
}
