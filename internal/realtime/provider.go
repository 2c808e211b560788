package realtime

import "sync"

// Provider owns at most one Conn. Get builds it on first use; Reset
// disconnects and drops it so the next Get builds a fresh one.
type Provider struct {
	cfg  Config
	opts []Option

	mu   sync.Mutex
	conn *Conn
}

// NewProvider creates a Provider that builds Conns from cfg and opts.
func NewProvider(cfg Config, opts ...Option) *Provider {
	return &Provider{cfg: cfg, opts: opts}
}

// Get returns the shared Conn, creating it if needed.
func (p *Provider) Get() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		p.conn = NewConn(p.cfg, p.opts...)
	}
	return p.conn
}

// Reset disconnects the shared Conn, if any, and forgets it.
func (p *Provider) Reset() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}
