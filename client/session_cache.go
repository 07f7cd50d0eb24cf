package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/session"
)

// SharedCacheName names the cache used when targets share one cache.
const SharedCacheName = "shared"

// CacheHooks are invoked for every session cache the manager creates.
type CacheHooks struct {
	// Observer returns the observer for the named cache
	Observer func(name string) session.Observer
	// Created is called once per cache after it is in use
	Created func(name string, cache *session.Cache)
}

// SessionCacheManager hands out client factories by target address.
// With per-target caching every server gets its own isolated session cache
// so tickets issued under one server's STEK are never offered to another
// server. Otherwise all targets share the base factory and its cache.
type SessionCacheManager struct {
	base      *handshaker.ClientFactory
	perTarget bool
	capacity  int
	hooks     CacheHooks

	factories sync.Map // map[string]*handshaker.ClientFactory (key: "host:port")
	mu        sync.Mutex
	closed    bool
}

// NewSessionCacheManager builds the base factory from opts. capacity <= 0
// disables resumption.
func NewSessionCacheManager(opts handshaker.ClientOptions, capacity int, perTarget bool, hooks CacheHooks) (*SessionCacheManager, error) {
	m := &SessionCacheManager{
		perTarget: perTarget && capacity > 0,
		capacity:  capacity,
		hooks:     hooks,
	}

	var shared *session.Cache
	if capacity > 0 && !perTarget {
		shared = m.newCache(SharedCacheName)
		opts.SessionCache = shared
	} else {
		opts.SessionCache = nil
	}

	base, err := handshaker.NewClientFactory(opts)
	if shared != nil {
		// The factory took its own reference on success.
		shared.Unref()
	}
	if err != nil {
		return nil, fmt.Errorf("create client handshaker factory: %w", err)
	}
	m.base = base

	if shared != nil && hooks.Created != nil {
		hooks.Created(SharedCacheName, shared)
	}
	return m, nil
}

func (m *SessionCacheManager) newCache(name string) *session.Cache {
	var opts []session.Option
	if m.hooks.Observer != nil {
		opts = append(opts, session.WithObserver(m.hooks.Observer(name)))
	}
	return session.NewLRU(m.capacity, opts...)
}

// Factory returns the factory to dial serverAddr with, creating its session
// cache if needed. Calling this method multiple times with the same address
// returns the same factory.
func (m *SessionCacheManager) Factory(serverAddr string) (*handshaker.ClientFactory, error) {
	if !m.perTarget {
		return m.base, nil
	}
	if f, ok := m.factories.Load(serverAddr); ok {
		return f.(*handshaker.ClientFactory), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, handshaker.ErrFactoryDestroyed
	}
	if f, ok := m.factories.Load(serverAddr); ok {
		return f.(*handshaker.ClientFactory), nil
	}

	cache := m.newCache(serverAddr)
	f, err := m.base.WithSessionCache(cache)
	cache.Unref()
	if err != nil {
		return nil, fmt.Errorf("create factory for %s: %w", serverAddr, err)
	}
	m.factories.Store(serverAddr, f)
	if m.hooks.Created != nil {
		m.hooks.Created(serverAddr, cache)
	}
	return f, nil
}

// Cache returns the session cache used for serverAddr, or nil when the
// address has none yet or resumption is disabled.
func (m *SessionCacheManager) Cache(serverAddr string) *session.Cache {
	if !m.perTarget {
		return m.base.SessionCache()
	}
	if f, ok := m.factories.Load(serverAddr); ok {
		return f.(*handshaker.ClientFactory).SessionCache()
	}
	return nil
}

// Clear drops the per-target factory of serverAddr together with its cache.
// Handshakers already created from it keep working.
func (m *SessionCacheManager) Clear(serverAddr string) {
	if f, ok := m.factories.LoadAndDelete(serverAddr); ok {
		f.(*handshaker.ClientFactory).Unref()
	}
}

// Count returns the number of per-target caches currently managed.
func (m *SessionCacheManager) Count() int {
	count := 0
	m.factories.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Addresses returns the server addresses that have their own cache, sorted.
func (m *SessionCacheManager) Addresses() []string {
	var addresses []string
	m.factories.Range(func(key, _ any) bool {
		addresses = append(addresses, key.(string))
		return true
	})
	sort.Strings(addresses)
	return addresses
}

// Close releases every factory. Handshakers still in flight keep their
// factory alive until they are closed.
func (m *SessionCacheManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.factories.Range(func(key, f any) bool {
		m.factories.Delete(key)
		f.(*handshaker.ClientFactory).Unref()
		return true
	})
	m.base.Unref()
}
