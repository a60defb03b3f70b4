package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/muurk/zonelink/internal/channel"
)

var _ channel.Resolver = (*Cache)(nil)

func newTestCache(ttl time.Duration) (*Cache, *time.Time) {
	now := testNow
	c := NewCache(ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_Resolve(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Put(&Device{Serial: "HB1", IP: "192.168.1.10", Port: 8080, DiscoveredAt: testNow})

	host, port, ok := c.Resolve("HB1")
	if !ok || host != "192.168.1.10" || port != 8080 {
		t.Errorf("Resolve(HB1) = %q, %d, %v", host, port, ok)
	}

	if _, _, ok := c.Resolve("OV2"); ok {
		t.Error("Resolve() of unknown serial should miss")
	}
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(time.Minute)
	c.Put(&Device{Serial: "HB1", IP: "192.168.1.10", Port: 80, DiscoveredAt: testNow})

	*now = testNow.Add(59 * time.Second)
	if _, ok := c.Get("HB1"); !ok {
		t.Error("entry should be live before the TTL")
	}

	*now = testNow.Add(61 * time.Second)
	if _, ok := c.Get("HB1"); ok {
		t.Error("entry should expire after the TTL")
	}
	if len(c.Devices()) != 0 {
		t.Error("Devices() should skip expired entries")
	}
	if n := c.Prune(); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
}

func TestCache_PutKeepsNewest(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Put(&Device{Serial: "HB1", IP: "192.168.1.20", DiscoveredAt: testNow})
	c.Put(&Device{Serial: "HB1", IP: "192.168.1.10", DiscoveredAt: testNow.Add(-time.Minute)})
	c.Put(nil, &Device{Serial: ""})

	d, ok := c.Get("HB1")
	if !ok || d.IP != "192.168.1.20" {
		t.Errorf("Get(HB1) = %v, want the newer sighting", d)
	}
	if len(c.Devices()) != 1 {
		t.Errorf("Devices() = %d entries, want 1", len(c.Devices()))
	}

	c.Remove("HB1")
	if _, ok := c.Get("HB1"); ok {
		t.Error("Remove() should forget the device")
	}
}

func TestCache_Devices_Sorted(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Put(
		&Device{Serial: "OV2", DiscoveredAt: testNow},
		&Device{Serial: "HB1", DiscoveredAt: testNow},
		&Device{Serial: "HD3", DiscoveredAt: testNow},
	)

	got := c.Devices()
	want := []string{"HB1", "HD3", "OV2"}
	for i, d := range got {
		if d.Serial != want[i] {
			t.Errorf("Devices()[%d] = %s, want %s", i, d.Serial, want[i])
		}
	}
}

func TestCache_Refresh(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	scanner := newTestScanner(fakeBrowser(
		&zeroconf.ServiceEntry{HostName: "zonelink-HB1.local", Port: 80, AddrIPv4: ipv4("192.168.1.10")},
	))

	devices, err := c.Refresh(context.Background(), scanner)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Refresh() = %d devices, want 1", len(devices))
	}
	if host, _, ok := c.Resolve("HB1"); !ok || host != "192.168.1.10" {
		t.Errorf("Resolve(HB1) after refresh = %q, %v", host, ok)
	}
}

func TestNewCache_DefaultTTL(t *testing.T) {
	if c := NewCache(0); c.TTL() != DefaultTTL {
		t.Errorf("NewCache(0).TTL() = %v, want %v", c.TTL(), DefaultTTL)
	}
}
