package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/provider"
)

// Pool keeps a reserve of pre-warmed provider sessions so that creating a
// conversation does not pay provider startup latency. A warm entry is a real
// provider session id whose only content is the warmup probe.
type Pool struct {
	mu        sync.Mutex
	adapter   provider.Adapter
	opts      provider.StreamOptions
	size      int
	warm      []string
	known     map[string]bool
	refilling bool
	log       zerolog.Logger
}

// NewPool builds a pool of the given target size. Size zero disables
// warming; Acquire then always misses.
func NewPool(adapter provider.Adapter, opts provider.StreamOptions, size int) *Pool {
	return &Pool{
		adapter: adapter,
		opts:    opts,
		size:    size,
		known:   make(map[string]bool),
		log:     logging.Component("warmup"),
	}
}

// Initialize fills the pool sequentially. A mid-fill failure keeps the
// entries created so far and returns the error.
func (p *Pool) Initialize(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		id, err := p.adapter.Warmup(ctx, p.opts)
		if err != nil {
			p.log.Warn().Err(err).Int("warm", p.Len()).Msg("warmup pool fill failed")
			return err
		}
		p.mu.Lock()
		p.warm = append(p.warm, id)
		p.known[id] = true
		p.mu.Unlock()
		p.log.Debug().Str("session", id).Msg("warm session ready")
	}
	return nil
}

// Acquire pops a warm session id, or ok=false when the pool is empty. A hit
// triggers an asynchronous refill; refills never run concurrently with each
// other.
func (p *Pool) Acquire() (string, bool) {
	p.mu.Lock()
	if len(p.warm) == 0 {
		p.mu.Unlock()
		return "", false
	}
	id := p.warm[0]
	p.warm = p.warm[1:]
	start := !p.refilling
	if start {
		p.refilling = true
	}
	p.mu.Unlock()

	if start {
		go p.refill()
	}
	return id, true
}

func (p *Pool) refill() {
	defer func() {
		p.mu.Lock()
		p.refilling = false
		p.mu.Unlock()
	}()
	for {
		p.mu.Lock()
		need := p.size - len(p.warm)
		p.mu.Unlock()
		if need <= 0 {
			return
		}
		id, err := p.adapter.Warmup(context.Background(), p.opts)
		if err != nil {
			p.log.Warn().Err(err).Msg("warmup refill failed")
			return
		}
		p.mu.Lock()
		p.warm = append(p.warm, id)
		p.known[id] = true
		p.mu.Unlock()
		p.log.Debug().Str("session", id).Msg("warm session ready")
	}
}

// Contains reports whether the id was ever produced by this pool. Used to
// hide unclaimed warm sessions from listings.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[id] && !p.claimedLocked(id)
}

func (p *Pool) claimedLocked(id string) bool {
	for _, w := range p.warm {
		if w == id {
			return false
		}
	}
	return true
}

// Len returns the number of warm sessions currently available.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}
