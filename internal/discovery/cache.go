package discovery

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheSize = 1024

// LookupCache: fingerprint -> record; TTL for staleness, LRU bound on size.
type LookupCache struct {
	ttl     time.Duration
	entries *lru.Cache
}

type cacheEntry struct {
	rec     Record
	expires time.Time
}

// NewLookupCache creates cache with TTL; ttl<=0 = disabled. size<=0 uses a default bound.
func NewLookupCache(ttl time.Duration, size int) *LookupCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, _ := lru.New(size)
	return &LookupCache{ttl: ttl, entries: c}
}

// Get returns the record if cached and not expired.
func (c *LookupCache) Get(fingerprint string) (*Record, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.entries.Get(fingerprint)
	if !ok {
		return nil, false
	}
	e := v.(cacheEntry)
	if time.Now().After(e.expires) {
		c.entries.Remove(fingerprint)
		return nil, false
	}
	rec := e.rec
	return &rec, true
}

// Set stores rec with TTL; records without addresses are not cached.
func (c *LookupCache) Set(rec Record) {
	if c == nil || c.ttl <= 0 || rec.Fingerprint == "" || len(rec.Addrs) == 0 {
		return
	}
	c.entries.Add(rec.Fingerprint, cacheEntry{rec: rec, expires: time.Now().Add(c.ttl)})
}

// Forget drops fingerprint (e.g. after a failed dial to the cached addrs).
func (c *LookupCache) Forget(fingerprint string) {
	if c == nil {
		return
	}
	c.entries.Remove(fingerprint)
}

func (c *LookupCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Client resolves through the cache, then the bootstrap peers.
type Client struct {
	Peers   []string
	Timeout time.Duration
	Cache   *LookupCache
}

// Lookup: cache first, then peers; caches on success.
func (c *Client) Lookup(fingerprint string) *Record {
	if rec, ok := c.Cache.Get(fingerprint); ok {
		return rec
	}
	rec := Lookup(fingerprint, c.Peers, c.Timeout)
	if rec != nil {
		c.Cache.Set(*rec)
	}
	return rec
}

// Announce rec to all peers.
func (c *Client) Announce(rec Record) int {
	return Announce(rec, c.Peers, c.Timeout)
}

// Send leaves m for device to.
func (c *Client) Send(to string, m Message) error {
	return Send(to, m, c.Peers, c.Timeout)
}

// Recv collects the messages waiting for fingerprint.
func (c *Client) Recv(fingerprint string) []Message {
	return Recv(fingerprint, c.Peers, c.Timeout)
}

// Resolver is what the watcher polls.
type Resolver interface {
	Lookup(fingerprint string) *Record
}

// Watcher polls watched fingerprints and reports records that are new or changed.
type Watcher struct {
	res      Resolver
	interval time.Duration
	onFound  func(Record)

	mu    sync.Mutex
	seen  map[string]*Record
	watch map[string]struct{}
}

func NewWatcher(res Resolver, interval time.Duration, onFound func(Record)) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		res:      res,
		interval: interval,
		onFound:  onFound,
		seen:     make(map[string]*Record),
		watch:    make(map[string]struct{}),
	}
}

func (w *Watcher) Watch(fingerprint string) {
	w.mu.Lock()
	w.watch[fingerprint] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) Unwatch(fingerprint string) {
	w.mu.Lock()
	delete(w.watch, fingerprint)
	delete(w.seen, fingerprint)
	w.mu.Unlock()
}

// Poll runs one round.
func (w *Watcher) Poll() {
	w.mu.Lock()
	fps := make([]string, 0, len(w.watch))
	for fp := range w.watch {
		fps = append(fps, fp)
	}
	w.mu.Unlock()
	for _, fp := range fps {
		rec := w.res.Lookup(fp)
		w.mu.Lock()
		_, still := w.watch[fp]
		changed := still && !rec.equal(w.seen[fp])
		if still {
			w.seen[fp] = rec
		}
		w.mu.Unlock()
		if changed && rec != nil {
			log.Printf("discovery %s observable at %v", fp, rec.Addrs)
			w.onFound(*rec)
		}
	}
}

// Run polls every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Poll()
		}
	}
}
