package node

import (
	"context"
	"sync"

	"github.com/fgrzl/callstream/pkg/storage"
)

// NodeManager manages one node per tenant.
type NodeManager interface {
	GetOrCreate(ctx context.Context, tenant string) (Node, error)
	Remove(ctx context.Context, tenant string)
	Close()
}

type nodeManager struct {
	mu           sync.RWMutex
	storeFactory storage.StoreFactory
	opts         []Option
	nodes        map[string]Node
	closeOnce    sync.Once
}

// NewNodeManager creates a NodeManager whose nodes are built with opts over
// stores from storeFactory.
func NewNodeManager(storeFactory storage.StoreFactory, opts ...Option) NodeManager {
	return &nodeManager{
		storeFactory: storeFactory,
		opts:         opts,
		nodes:        make(map[string]Node),
	}
}

func (m *nodeManager) GetOrCreate(ctx context.Context, tenant string) (Node, error) {
	m.mu.RLock()
	n, ok := m.nodes[tenant]
	m.mu.RUnlock()
	if ok {
		return n, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if n, ok := m.nodes[tenant]; ok {
		return n, nil
	}

	store, err := m.storeFactory.NewStore(ctx, tenant)
	if err != nil {
		return nil, err
	}

	n = NewNode(store, m.opts...)
	m.nodes[tenant] = n
	return n, nil
}

func (m *nodeManager) Remove(ctx context.Context, tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[tenant]; ok {
		n.Close()
		delete(m.nodes, tenant)
	}
}

func (m *nodeManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for tenant, n := range m.nodes {
			n.Close()
			delete(m.nodes, tenant)
		}
	})
}
