package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
)

// Pool holds one Client per registered fleet node. Built once at startup,
// read-only afterwards.
type Pool struct {
	clients map[string]*Client
	order   []string
	log     *zap.SugaredLogger
}

// NewPool creates a client for every node in the registry.
func NewPool(registry *fleet.Registry, timeout, connectTimeout time.Duration, log *zap.SugaredLogger) *Pool {
	p := &Pool{
		clients: make(map[string]*Client),
		log:     log,
	}
	for _, node := range registry.All() {
		client := NewClient(node, timeout, connectTimeout, log)
		p.clients[node.ID] = client
		p.order = append(p.order, node.ID)
		log.Infow("Created worker client",
			"worker_id", node.ID,
			"base_url", node.BaseURL(),
		)
	}
	return p
}

// Get returns the client for a worker id.
func (p *Pool) Get(workerID string) (*Client, error) {
	client, ok := p.clients[workerID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no worker client for %q", workerID)
	}
	return client, nil
}

// All returns every client in fleet config order.
func (p *Pool) All() []*Client {
	out := make([]*Client, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.clients[id])
	}
	return out
}

// Close releases every client's connection pool.
func (p *Pool) Close() {
	for _, client := range p.clients {
		client.Close()
	}
	p.log.Infow("Closed all worker clients", "count", len(p.clients))
}
