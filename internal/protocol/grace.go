package protocol

import (
	"sync"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/metrics"
)

// graceWatch finishes a session that stays quiet after the user's reply.
type graceWatch struct {
	done chan struct{}
	once sync.Once
}

func (g *graceWatch) stop() { g.once.Do(func() { close(g.done) }) }

func (p *Protocol) startGrace(key string) {
	g := &graceWatch{done: make(chan struct{})}

	p.mu.Lock()
	old := p.grace[key]
	p.grace[key] = g
	ctx := p.ctx
	p.mu.Unlock()
	if old != nil {
		old.stop()
	}

	logging.GlobalFeed().Printf(logging.CompProtocol, "%s quiet for %s closes it", key, p.cfg.GraceWindow)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(p.cfg.GraceWindow)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-t.C:
		}

		p.mu.Lock()
		current := p.grace[key] == g
		if current {
			delete(p.grace, key)
		}
		p.mu.Unlock()
		if current {
			p.Finish(ctx, key, metrics.FinishGrace)
		}
	}()
}

func (p *Protocol) cancelGrace(key string) {
	p.mu.Lock()
	g := p.grace[key]
	delete(p.grace, key)
	p.mu.Unlock()
	if g != nil {
		g.stop()
	}
}
