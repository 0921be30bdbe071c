package swarm

import "sync"

// Registry is the process-wide directory from listen port to its Pool. It is
// a weak directory, not an owner: pools remove themselves when their last
// swarm detaches.
//
// Production code uses DefaultRegistry; tests inject their own through
// Options so pools never leak across test cases.
type Registry struct {
	mu    sync.Mutex
	pools map[int]*Pool
}

// DefaultRegistry backs swarms that don't specify one.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{pools: make(map[int]*Pool)}
}

// Len reports the number of live pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pools)
}

func (r *Registry) attach(s *Swarm, port int) {
	r.mu.Lock()
	p, ok := r.pools[port]
	if !ok {
		p = newPool(r, port)
		r.pools[port] = p
		go p.listen()
	}
	r.mu.Unlock()

	p.attach(s)
}

func (r *Registry) detach(s *Swarm, port int) {
	r.mu.Lock()
	p := r.pools[port]
	r.mu.Unlock()

	if p != nil {
		p.detach(s)
	}
}

// remove drops p from the directory if it is still the registered pool for
// port. Called by the pool itself on teardown.
func (r *Registry) remove(port int, p *Pool) {
	r.mu.Lock()
	if r.pools[port] == p {
		delete(r.pools, port)
	}
	r.mu.Unlock()
}

func (r *Registry) pool(port int) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[port]
	return p, ok
}
