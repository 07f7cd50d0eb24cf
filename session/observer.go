package session

// Observer receives cache events. Calls happen with the cache lock held, so
// implementations must be fast and must not call back into the cache.
type Observer interface {
	Hit()
	Miss()
	Evict()
	Replace()
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Hit()     {}
func (NopObserver) Miss()    {}
func (NopObserver) Evict()   {}
func (NopObserver) Replace() {}

// Option configures a Cache.
type Option func(*Cache)

// WithObserver reports cache events to o.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		if o != nil {
			c.observer = o
		}
	}
}
