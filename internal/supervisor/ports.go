package supervisor

// portPool hands out engine command ports from a bounded range, lowest
// free port first. Not safe for concurrent use on its own; all calls
// happen under the Supervisor mutex.
type portPool struct {
	base int
	size int
	used map[int]bool
}

func newPortPool(base, size int) *portPool {
	return &portPool{base: base, size: size, used: make(map[int]bool)}
}

// alloc returns the lowest free port, or false when the range is full.
func (p *portPool) alloc() (int, bool) {
	for i := 0; i < p.size; i++ {
		port := p.base + i
		if !p.used[port] {
			p.used[port] = true
			return port, true
		}
	}
	return 0, false
}

// release returns a port to the pool. Releasing a free port is a no-op.
func (p *portPool) release(port int) {
	delete(p.used, port)
}

// inUse returns the number of allocated ports.
func (p *portPool) inUse() int {
	return len(p.used)
}
