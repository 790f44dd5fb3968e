package device

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// Registry tracks probed devices by index. The runtime looks devices
// up here instead of relying on a process-wide singleton, which keeps
// the door open for multi-card hosts.
type Registry struct {
	mu      sync.Mutex
	devices map[int]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// Add registers a probed device under its index.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Index()]; ok {
		return errors.Wrapf(nperr.ErrInvalidParameter, "device index %d already registered", d.Index())
	}
	r.devices[d.Index()] = d
	return nil
}

// Get looks a device up by index.
func (r *Registry) Get(index int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[index]
	if !ok {
		return nil, errors.Wrapf(nperr.ErrNotFound, "device index %d", index)
	}
	return d, nil
}

// Remove drops a device from the registry, tearing it down first.
func (r *Registry) Remove(index int) {
	r.mu.Lock()
	d, ok := r.devices[index]
	delete(r.devices, index)
	r.mu.Unlock()
	if ok {
		d.Remove()
	}
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
