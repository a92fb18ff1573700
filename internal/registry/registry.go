package registry

import "sync"

// Conn is an opaque, comparable handle to a live connection. The registry never
// inspects the connection beyond using it as a key.
type Conn interface {
	ID() string
}

// Registry tracks which live connections represent signage devices and maps
// each of them to the device identifier supplied at connect time. It is the
// single source of truth for "who is a device and what is its id".
//
// All mutations run under one mutex so registry state never changes mid-read,
// matching the single-writer discipline the relay's handlers assume.
type Registry struct {
	mu      sync.Mutex
	devices map[Conn]string
	order   []Conn
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[Conn]string)}
}

// Register inserts or overwrites the device mapping for conn. Duplicate device
// ids across distinct connections are tolerated, not deduplicated; the most
// recent registration wins reverse lookups.
func (r *Registry) Register(conn Conn, deviceID string) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[conn]; !exists {
		r.order = append(r.order, conn)
	}
	r.devices[conn] = deviceID
}

// Unregister removes the mapping for conn if present and reports the removed
// device id, so the caller can fire the offline notification without a second
// lookup. It is a no-op for unknown connections.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	if r == nil || conn == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceID, exists := r.devices[conn]
	if !exists {
		return "", false
	}
	delete(r.devices, conn)
	for i, candidate := range r.order {
		if candidate == conn {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return deviceID, true
}

// IsDevice reports whether conn is currently registered as a device.
func (r *Registry) IsDevice(conn Conn) bool {
	if r == nil || conn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.devices[conn]
	return exists
}

// DeviceID returns the device id mapped to conn, if any.
func (r *Registry) DeviceID(conn Conn) (string, bool) {
	if r == nil || conn == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceID, exists := r.devices[conn]
	return deviceID, exists
}

// FindByDeviceID returns the connection registered for deviceID, or nil when
// none matches. When the upstream misbehaves and two live connections share an
// id, the most recently registered one wins. The scan is linear in the number
// of registered devices, which stays in the tens to low hundreds for this
// deployment.
func (r *Registry) FindByDeviceID(deviceID string) Conn {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		conn := r.order[i]
		if r.devices[conn] == deviceID {
			return conn
		}
	}
	return nil
}

// Len reports how many device connections are currently registered.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
