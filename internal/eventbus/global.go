package eventbus

import "sync/atomic"

var defaultBus atomic.Pointer[Bus]

// SetDefault installs the process-wide bus. It must be called exactly once
// during startup.
func SetDefault(b *Bus) error {
	if b == nil {
		panic("eventbus: SetDefault(nil)")
	}
	if !defaultBus.CompareAndSwap(nil, b) {
		return ErrAlreadyInitialized
	}
	return nil
}

// Default returns the process-wide bus. Using the bus before SetDefault is a
// programming error and panics.
func Default() *Bus {
	b := defaultBus.Load()
	if b == nil {
		panic("eventbus: default bus used before initialization")
	}
	return b
}

// resetDefault is used by tests.
func resetDefault() { defaultBus.Store(nil) }
