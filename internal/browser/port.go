package browser

import (
	"strconv"
	"sync"
)

// PortPool manages a finite set of reusable TCP ports. Safe for concurrent
// use.
type PortPool struct {
	members   map[int]struct{}
	available map[int]struct{}

	mu sync.Mutex
}

// NewPortPool creates a PortPool from which all the given ports are
// available.
func NewPortPool(ports []int) *PortPool {
	p := &PortPool{
		members:   make(map[int]struct{}, len(ports)),
		available: make(map[int]struct{}, len(ports)),
	}

	for _, port := range ports {
		p.members[port] = struct{}{}
		p.available[port] = struct{}{}
	}

	return p
}

// PortRange returns the ports in the half-open range [from, to).
func PortRange(from, to int) []int {
	if to <= from {
		return nil
	}

	ports := make([]int, 0, to-from)
	for port := from; port < to; port++ {
		ports = append(ports, port)
	}

	return ports
}

// Acquire removes an arbitrary port from the pool and returns it or
// ErrNoPortsAvailable if the pool is empty.
func (p *PortPool) Acquire() (*Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		return &Port{pool: p, number: port}, nil
	}

	return nil, ErrNoPortsAvailable
}

// Release returns port to the pool. Releasing an available port, or a port
// that never belonged to the pool, is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.members[port]; !ok {
		return
	}

	p.available[port] = struct{}{}
}

// Available returns the number of ports that can be acquired.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.available)
}

// Port is a port acquired from a PortPool.
type Port struct {
	pool   *PortPool
	number int
	once   sync.Once
}

// Number returns the port number.
func (p *Port) Number() int {
	return p.number
}

// Release returns the port to its pool. Only the first call has an effect.
func (p *Port) Release() {
	p.once.Do(func() {
		p.pool.Release(p.number)
	})
}

func (p *Port) String() string {
	return strconv.Itoa(p.number)
}
