package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a discovered address is trusted.
const DefaultTTL = 5 * time.Minute

// Cache remembers discovered addresses by serial for a bounded time. It
// implements channel.Resolver so the LAN channel can find devices whose
// address is not configured. Each caller owns its Cache.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewCache creates a cache whose entries expire after ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now, devices: make(map[string]*Device)}
}

// TTL returns how long entries stay valid.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put records devices, replacing older sightings of the same serial.
func (c *Cache) Put(devices ...*Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		if d == nil || d.Serial == "" {
			continue
		}
		if old, ok := c.devices[d.Serial]; ok && old.DiscoveredAt.After(d.DiscoveredAt) {
			continue
		}
		c.devices[d.Serial] = d
	}
}

// Get returns the cached device if its entry has not expired.
func (c *Cache) Get(serial string) (*Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[serial]
	if !ok || c.expired(d) {
		return nil, false
	}
	return d, true
}

// Resolve returns the address of serial. It satisfies channel.Resolver.
func (c *Cache) Resolve(serial string) (string, int, bool) {
	d, ok := c.Get(serial)
	if !ok {
		return "", 0, false
	}
	return d.IP, d.Port, true
}

// Devices returns the live entries sorted by serial.
func (c *Cache) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		if !c.expired(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Remove forgets serial.
func (c *Cache) Remove(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, serial)
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for serial, d := range c.devices {
		if c.expired(d) {
			delete(c.devices, serial)
			n++
		}
	}
	return n
}

// Refresh scans once and records every device found.
func (c *Cache) Refresh(ctx context.Context, s *Scanner) ([]*Device, error) {
	devices, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(devices...)
	return devices, nil
}

func (c *Cache) expired(d *Device) bool {
	return c.now().Sub(d.DiscoveredAt) > c.ttl
}
