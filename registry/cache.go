package registry

import (
	"context"
	"sync"
	"time"
)

// Source is anything that can resolve a task or process definition on a
// cache miss, e.g. Registry itself, or a remote catalog.
type Source interface {
	Task(ctx context.Context, taskType, version string) (TaskDefinition, error)
	Process(ctx context.Context, processType, version string) (ProcessDefinition, error)
}

type cacheEntry struct {
	task      *TaskDefinition
	process   *ProcessDefinition
	expiresAt time.Time
	ttl       time.Duration
}

// CachingRegistry wraps a Source with a TTL cache and optional background
// refresh, so repeated lookups of the same (type, version) avoid re-hitting
// a potentially remote backing catalog.
type CachingRegistry struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	source  Source
	ttl     time.Duration

	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

// CachingRegistryOption configures a CachingRegistry.
type CachingRegistryOption func(*CachingRegistry)

// WithRefreshCooldown sets the minimum interval between background refresh
// attempts for the same key. Defaults to 10 seconds.
func WithRefreshCooldown(d time.Duration) CachingRegistryOption {
	return func(c *CachingRegistry) { c.refreshCooldown = d }
}

// NewCachingRegistry wraps source with a cache whose entries live for ttl.
func NewCachingRegistry(source Source, ttl time.Duration, opts ...CachingRegistryOption) *CachingRegistry {
	c := &CachingRegistry{
		entries:         make(map[string]*cacheEntry),
		source:          source,
		ttl:             ttl,
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Task resolves taskType/version from the cache, falling back to the
// backing Source on a miss or an expired entry, and triggering a background
// refresh when the entry is within 20% of expiring and StartRefresh has been
// called.
func (c *CachingRegistry) Task(ctx context.Context, taskType, version string) (TaskDefinition, error) {
	k := key(taskType, version)
	if entry := c.lookup(k); entry != nil && entry.task != nil {
		return *entry.task, nil
	}
	def, err := c.source.Task(ctx, taskType, version)
	if err != nil {
		return TaskDefinition{}, err
	}
	c.store(k, &def, nil)
	return def, nil
}

// Process resolves processType/version analogously to Task.
func (c *CachingRegistry) Process(ctx context.Context, processType, version string) (ProcessDefinition, error) {
	k := key(processType, version)
	if entry := c.lookup(k); entry != nil && entry.process != nil {
		return *entry.process, nil
	}
	def, err := c.source.Process(ctx, processType, version)
	if err != nil {
		return ProcessDefinition{}, err
	}
	c.store(k, nil, &def)
	return def, nil
}

func (c *CachingRegistry) lookup(k string) *cacheEntry {
	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		return nil
	}
	if entry.ttl > 0 {
		refreshThreshold := entry.expiresAt.Add(-entry.ttl / 5)
		if now.After(refreshThreshold) {
			c.triggerRefresh(k)
		}
	}
	return entry
}

func (c *CachingRegistry) store(k string, task *TaskDefinition, process *ProcessDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = &cacheEntry{
		task:      task,
		process:   process,
		expiresAt: time.Now().Add(c.ttl),
		ttl:       c.ttl,
	}
}

// Invalidate removes a cached entry, forcing the next lookup to hit source.
func (c *CachingRegistry) Invalidate(taskType, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(taskType, version))
}

// Len returns the number of cached entries.
func (c *CachingRegistry) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *CachingRegistry) triggerRefresh(k string) {
	if c.refreshCtx == nil {
		return
	}
	select {
	case c.refreshCh <- k:
	case <-c.refreshCtx.Done():
	default:
	}
}

// StartRefresh starts the background refresh loop; entries nearing
// expiration are proactively re-fetched from source.
func (c *CachingRegistry) StartRefresh(ctx context.Context) {
	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop and waits for it to exit.
func (c *CachingRegistry) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

func (c *CachingRegistry) refreshLoop() {
	defer c.refreshWg.Done()
	refreshed := make(map[string]time.Time)
	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case k := <-c.refreshCh:
			if last, ok := refreshed[k]; ok && time.Since(last) < c.refreshCooldown {
				continue
			}
			c.mu.RLock()
			entry, exists := c.entries[k]
			c.mu.RUnlock()
			if !exists {
				continue
			}
			c.refreshEntry(k, entry)
			refreshed[k] = time.Now()
			if len(refreshed) > 1000 {
				now := time.Now()
				for rk, t := range refreshed {
					if now.Sub(t) > time.Minute {
						delete(refreshed, rk)
					}
				}
			}
		}
	}
}

func (c *CachingRegistry) refreshEntry(k string, entry *cacheEntry) {
	typ, version := splitKey(k)
	if entry.task != nil {
		def, err := c.source.Task(c.refreshCtx, typ, version)
		if err != nil {
			return
		}
		c.store(k, &def, nil)
		return
	}
	if entry.process != nil {
		def, err := c.source.Process(c.refreshCtx, typ, version)
		if err != nil {
			return
		}
		c.store(k, nil, &def)
	}
}

func splitKey(k string) (typ, version string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '@' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
