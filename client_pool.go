package callstream

import (
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/stream"
)

type TenantClientPool struct {
	mu      sync.RWMutex
	clients map[string]Client
	factory func(tenantID string) api.BidiStreamProvider
	opts    []stream.Option
}

func NewTenantClientPool(factory func(tenantID string) api.BidiStreamProvider, opts ...stream.Option) *TenantClientPool {
	return &TenantClientPool{
		clients: make(map[string]Client),
		factory: factory,
		opts:    opts,
	}
}

func (p *TenantClientPool) GetClient(tenantID string) Client {
	p.mu.RLock()
	client, ok := p.clients[tenantID]
	p.mu.RUnlock()
	if ok {
		return client
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check in case it was created between locks
	if client, ok := p.clients[tenantID]; ok {
		return client
	}

	provider := p.factory(tenantID)
	client = NewClient(provider, p.opts...)
	p.clients[tenantID] = client
	return client
}

// Close closes every pooled client.
func (p *TenantClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tenantID, client := range p.clients {
		client.Close()
		delete(p.clients, tenantID)
	}
}
