package chord

import (
	"context"
	"fmt"
	"sync"

	"github.com/zde37/chordring/pkg"
)

// MemoryNetwork is an in-process RequestSender connecting handlers by
// address. Requests and responses are deep-copied at the boundary so nodes
// never share endpoints. Used by the simulator and tests.
type MemoryNetwork struct {
	mu          sync.RWMutex
	handlers    map[string]RequestHandler
	unreachable map[string]bool
	drops       map[string]int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers:    make(map[string]RequestHandler),
		unreachable: make(map[string]bool),
		drops:       make(map[string]int),
	}
}

// Register attaches handler at addr, replacing any previous one.
func (m *MemoryNetwork) Register(addr string, handler RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[addr] = handler
}

// Unregister detaches addr. Later requests to it fail as unreachable.
func (m *MemoryNetwork) Unregister(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, addr)
}

// SetUnreachable makes requests to addr hang until their context is done,
// the way a silent peer behaves.
func (m *MemoryNetwork) SetUnreachable(addr string, unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unreachable {
		m.unreachable[addr] = true
	} else {
		delete(m.unreachable, addr)
	}
}

// DropNext makes the next count requests to addr time out.
func (m *MemoryNetwork) DropNext(addr string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[addr] += count
}

// SendRequest implements RequestSender.
func (m *MemoryNetwork) SendRequest(ctx context.Context, req *Request, receiver *Endpoint) (*Response, error) {
	if receiver == nil {
		return nil, fmt.Errorf("%w: no receiver", pkg.ErrTransport)
	}
	addr := receiver.Address()

	m.mu.Lock()
	handler, ok := m.handlers[addr]
	silent := m.unreachable[addr]
	if !silent && m.drops[addr] > 0 {
		m.drops[addr]--
		silent = true
	}
	m.mu.Unlock()

	if silent {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %s: %v", pkg.ErrTransport, addr, ctx.Err())
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: connection refused", pkg.ErrTransport, addr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pkg.ErrTransport, addr, err)
	}

	resp, err := handler.HandleRequest(ctx, req.Copy())
	if err != nil {
		return nil, err
	}
	return resp.Copy(), nil
}
