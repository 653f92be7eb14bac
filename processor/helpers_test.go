package processor

import (
	"context"
	"sync"

	"github.com/glimte/productbridge/messaging"
)

type failingPublisher struct {
	mu    sync.Mutex
	err   error
	count int
}

func (p *failingPublisher) Publish(ctx context.Context, msg messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return p.err
}

func (p *failingPublisher) Close() error { return nil }

func (p *failingPublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
