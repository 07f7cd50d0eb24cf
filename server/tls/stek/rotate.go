package stek

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RotateManager periodically rotates the session ticket encryption keys shared
// by every server handshaker factory it is plugged into.
//
// The first key encrypts new tickets; every key is accepted for decryption,
// so tickets issued up to overlap-1 rotations ago still resume.
type RotateManager struct {
	keys     atomic.Pointer[[][32]byte]
	interval time.Duration
	overlap  uint8
	onRotate func(total int)

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// Option configures a RotateManager.
type Option func(*RotateManager)

// WithRotateHook registers fn to be called after every successful rotation
// with the number of keys now held.
func WithRotateHook(fn func(total int)) Option {
	return func(m *RotateManager) {
		m.onRotate = fn
	}
}

// WithInitialKey places key first in the initial key set, so that tickets
// issued with a previously configured static key keep resuming until it
// rotates out.
func WithInitialKey(key [32]byte) Option {
	return func(m *RotateManager) {
		keys := *m.keys.Load()
		keys[0] = key
	}
}

// NewRotateManager creates a RotateManager holding overlap freshly generated
// keys.
//
// Example:
//
//	manager, err := stek.NewRotateManager(24*time.Hour, 3)
//	if err != nil {
//	    return err
//	}
//	manager.Start(ctx)
//	defer manager.Stop()
//	opts.TicketKeys = manager.Keys
func NewRotateManager(interval time.Duration, overlap uint8, opts ...Option) (*RotateManager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %v", interval)
	}
	if overlap < 1 {
		return nil, fmt.Errorf("overlap must be at least 1, got %d", overlap)
	}

	m := &RotateManager{
		interval: interval,
		overlap:  overlap,
		logger:   log.With().Str("com", "stek").Logger(),
	}

	initialKeys := make([][32]byte, overlap)
	for i := range initialKeys {
		key, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate initial key %d: %w", i, err)
		}
		initialKeys[i] = key
	}
	m.keys.Store(&initialKeys)

	for _, opt := range opts {
		opt(m)
	}

	m.logger.Debug().
		Int("initial_keys", len(initialKeys)).
		Uint8("overlap", overlap).
		Msg("initialized session ticket encryption keys")

	return m, nil
}

// Keys returns the current key set, newest first. The returned slice must not
// be modified.
func (m *RotateManager) Keys() [][32]byte {
	return *m.keys.Load()
}

func generateKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate session ticket key: %w", err)
	}
	return key, nil
}

// rotate prepends a new key and drops the oldest beyond the overlap.
func (m *RotateManager) rotate() error {
	newKey, err := generateKey()
	if err != nil {
		return err
	}

	currentKeys := *m.keys.Load()
	newSize := min(len(currentKeys)+1, int(m.overlap))

	newKeys := make([][32]byte, newSize)
	newKeys[0] = newKey
	copy(newKeys[1:], currentKeys)
	m.keys.Store(&newKeys)

	m.logger.Debug().
		Int("total_keys", len(newKeys)).
		Int("overlap", int(m.overlap)).
		Msg("rotated session ticket encryption keys")

	if m.onRotate != nil {
		m.onRotate(len(newKeys))
	}
	return nil
}

// Start begins the periodic rotation in a background goroutine, which runs
// until ctx is cancelled or Stop is called. Only the first call has effect.
func (m *RotateManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.logger.Info().
		Dur("interval", m.interval).
		Uint8("overlap", m.overlap).
		Msg("starting session ticket key rotation")

	m.wg.Add(1)
	go m.run(ctx, m.stopCh)
}

func (m *RotateManager) run(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.rotate(); err != nil {
				m.logger.Error().Err(err).Msg("failed to rotate session ticket keys")
			}
		case <-ctx.Done():
			m.logger.Info().Msg("stopping session ticket key rotation (context cancelled)")
			return
		case <-stopCh:
			m.logger.Info().Msg("stopping session ticket key rotation")
			return
		}
	}
}

// Stop ends the rotation and waits for the background goroutine to exit. It
// is safe to call multiple times and before Start.
func (m *RotateManager) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		if m.stopCh != nil {
			close(m.stopCh)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
