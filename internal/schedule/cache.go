package schedule

import "sync/atomic"

// Cache holds the current schedule snapshot. Readers always observe a
// complete Set; Replace swaps it wholesale.
type Cache struct {
	current atomic.Pointer[Set]
	version atomic.Uint64
}

// Load returns the current snapshot, or nil if none has been loaded.
func (c *Cache) Load() *Set {
	return c.current.Load()
}

// Replace installs set as the current snapshot and stamps it with a fresh
// version. The set must not be mutated afterwards.
func (c *Cache) Replace(set *Set) uint64 {
	v := c.version.Add(1)
	set.Version = v
	c.current.Store(set)
	return v
}
