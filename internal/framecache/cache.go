// Package framecache keeps the most recent frame received from each device.
package framecache

import (
	"sync"
	"time"

	"github.com/camwatch/camwatch-server/internal/errs"
)

// Frame is the latest image received from a device
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Cache maps device id to its latest frame. Entries are only ever
// overwritten; nothing survives a restart.
type Cache struct {
	mu     sync.RWMutex
	frames map[string]Frame
}

// New creates an empty cache
func New() *Cache {
	return &Cache{frames: make(map[string]Frame)}
}

// Put replaces the device's frame. data is copied.
func (c *Cache) Put(deviceID string, data []byte, receivedAt time.Time) {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	c.frames[deviceID] = Frame{Data: buf, ReceivedAt: receivedAt}
	c.mu.Unlock()
}

// Get returns the device's latest frame or errs.ErrNotFound if none has
// been received yet. The returned bytes must not be modified.
func (c *Cache) Get(deviceID string) (Frame, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.frames[deviceID]
	if !ok {
		return Frame{}, errs.ErrNotFound
	}
	return f, nil
}

// Len returns the number of devices with a cached frame
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}
