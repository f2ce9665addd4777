package event

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// TokenBucketPolicy is the default BackpressurePolicy: a local rate.Limiter
// admits events up to a burst size, refilling at a steady rate. ShouldAccept
// never blocks; it reports whether a token was available right now.
// CalculateDelay reports how long the caller should wait for the next token
// when none was available.
type TokenBucketPolicy struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxInFlight int
}

// NewTokenBucketPolicy admits at ratePerSecond with the given burst, and
// additionally caps the number of in-flight publishes of the same type at
// maxInFlight (0 means unlimited).
func NewTokenBucketPolicy(ratePerSecond float64, burst int, maxInFlight int) *TokenBucketPolicy {
	return &TokenBucketPolicy{
		limiter:     rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxInFlight: maxInFlight,
	}
}

func (p *TokenBucketPolicy) ShouldAccept(currentInFlight int) bool {
	if p.maxInFlight > 0 && currentInFlight >= p.maxInFlight {
		return false
	}
	return p.limiter.Allow()
}

func (p *TokenBucketPolicy) CalculateDelay() time.Duration {
	reservation := p.limiter.Reserve()
	if !reservation.OK() {
		return 0
	}
	delay := reservation.Delay()
	reservation.Cancel()
	return delay
}

func (p *TokenBucketPolicy) setRate(r float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter.SetLimit(rate.Limit(r))
}

func (p *TokenBucketPolicy) currentRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.limiter.Limit())
}

// clusterMap is the subset of rmap.Map a ClusterPolicy needs, narrowed so
// tests can substitute a fake without a live Redis-backed replicated map.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct{ m *rmap.Map }

func (c *rmapClusterMap) Get(key string) (string, bool) { return c.m.Get(key) }
func (c *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}
func (c *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}
func (c *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return c.m.Subscribe() }

// ClusterPolicy coordinates an admission budget across runtime instances
// sharing a goa.design/pulse/rmap replicated map: every instance halves the
// agreed-upon shared rate via compare-and-swap on repeated local rejection,
// and grows it by a fixed step on every locally accepted call, so peers converge on
// one shared budget the way the corpus's adaptive model rate limiter
// coordinates tokens-per-minute across processes.
type ClusterPolicy struct {
	local     *TokenBucketPolicy
	shared    clusterMap
	key       string
	minRate   float64
	maxRate   float64
	step      float64
	rejects   int
	rejectCap int
}

// ClusterPolicyConfig configures a ClusterPolicy.
type ClusterPolicyConfig struct {
	Key           string // rmap key the shared budget is published under
	InitialRate   float64
	MinRate       float64
	MaxRate       float64
	Step          float64
	Burst         int
	MaxInFlight   int
	RejectorLimit int // consecutive local rejections before halving the shared rate
}

// NewClusterPolicy constructs a ClusterPolicy backed by shared. It seeds the
// shared key with InitialRate if absent, then subscribes to the map so
// peer-driven adjustments are reflected locally without polling.
func NewClusterPolicy(ctx context.Context, shared *rmap.Map, cfg ClusterPolicyConfig) *ClusterPolicy {
	if cfg.RejectorLimit <= 0 {
		cfg.RejectorLimit = 5
	}
	var cm clusterMap
	if shared != nil {
		cm = &rmapClusterMap{m: shared}
	}
	return newClusterPolicy(ctx, cm, cfg)
}

func newClusterPolicy(ctx context.Context, shared clusterMap, cfg ClusterPolicyConfig) *ClusterPolicy {
	initial := cfg.InitialRate
	if shared != nil {
		if _, ok := shared.Get(cfg.Key); !ok {
			_, _ = shared.SetIfNotExists(ctx, cfg.Key, formatRate(initial))
		}
		if cur, ok := shared.Get(cfg.Key); ok {
			if v, err := parseRate(cur); err == nil && v > 0 {
				initial = v
			}
		}
	}
	cp := &ClusterPolicy{
		local:     NewTokenBucketPolicy(initial, cfg.Burst, cfg.MaxInFlight),
		shared:    shared,
		key:       cfg.Key,
		minRate:   cfg.MinRate,
		maxRate:   cfg.MaxRate,
		step:      cfg.Step,
		rejectCap: cfg.RejectorLimit,
	}
	if shared != nil {
		ch := shared.Subscribe()
		go cp.watch(ch)
	}
	return cp
}

func (p *ClusterPolicy) watch(ch <-chan rmap.EventKind) {
	for range ch {
		cur, ok := p.shared.Get(p.key)
		if !ok {
			continue
		}
		v, err := parseRate(cur)
		if err != nil || v <= 0 {
			continue
		}
		p.local.setRate(v)
	}
}

func (p *ClusterPolicy) ShouldAccept(currentInFlight int) bool {
	ok := p.local.ShouldAccept(currentInFlight)
	if ok {
		p.rejects = 0
		p.grow()
		return true
	}
	p.rejects++
	if p.rejects >= p.rejectCap {
		p.rejects = 0
		p.shrink()
	}
	return false
}

func (p *ClusterPolicy) CalculateDelay() time.Duration {
	return p.local.CalculateDelay()
}

func (p *ClusterPolicy) grow() {
	next := clamp(p.local.currentRate()+p.step, p.minRate, p.maxRate)
	p.casPublish(next)
}

func (p *ClusterPolicy) shrink() {
	next := clamp(p.local.currentRate()/2, p.minRate, p.maxRate)
	p.casPublish(next)
}

// casPublish adopts next locally immediately, then best-effort propagates it
// to the shared map via compare-and-swap, retrying a few times against
// concurrent writers before giving up; a lost race just means this instance
// converges on whatever a peer already agreed.
func (p *ClusterPolicy) casPublish(next float64) {
	p.local.setRate(next)
	if p.shared == nil {
		return
	}
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < maxAttempts; i++ {
		cur, ok := p.shared.Get(p.key)
		if !ok {
			return
		}
		prev, err := p.shared.TestAndSet(ctx, p.key, cur, formatRate(next))
		if err != nil {
			return
		}
		if prev == cur {
			return
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
