package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/logging"
)

const (
	// ServiceType is the mDNS service type appliances advertise
	ServiceType = "_zonelink._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for device discovery
	DefaultScanTimeout = 5 * time.Second

	// DefaultPort is the LAN API port when the advertisement carries none
	DefaultPort = 80
)

// serialPattern matches appliance hostnames (e.g., "zonelink-HB4210337.local")
var serialPattern = regexp.MustCompile(`^zonelink-([0-9A-Za-z]+)\.local\.?$`)

// BrowseFunc browses for service entries until ctx is done.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error

// Scanner handles mDNS device discovery
type Scanner struct {
	// Timeout is the maximum time to wait for device discovery
	Timeout time.Duration

	browse BrowseFunc
	now    func() time.Time
	logger *zap.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithBrowser replaces the zeroconf resolver.
func WithBrowser(fn BrowseFunc) ScannerOption {
	return func(s *Scanner) { s.browse = fn }
}

// WithClock replaces time.Now for DiscoveredAt stamps.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		Timeout: DefaultScanTimeout,
		browse:  zeroconfBrowse,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.GetLogger().Named("discovery")
	}
	return s
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Scan discovers every appliance that answers before the timeout. Repeated
// advertisements of the same serial are collapsed.
func (s *Scanner) Scan(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	err := s.run(ctx, func(d *Device) bool {
		for i, seen := range devices {
			if seen.Serial == d.Serial {
				devices[i] = d
				return false
			}
		}
		devices = append(devices, d)
		return false
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Scan complete", zap.Int("devices", len(devices)))
	return devices, nil
}

// WaitForDevice waits for a specific device by serial number
// Returns the device or an error if not found within timeout
func (s *Scanner) WaitForDevice(ctx context.Context, serial string) (*Device, error) {
	var found *Device
	err := s.run(ctx, func(d *Device) bool {
		if d.Serial == serial {
			found = d
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device with serial %s not found within timeout", serial)
	}
	return found, nil
}

// run browses until the timeout, ctx cancellation, or visit returns true.
// visit is only ever called from one goroutine.
func (s *Scanner) run(ctx context.Context, visit func(*Device) (stop bool)) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				device := s.parseServiceEntry(entry)
				if device == nil {
					continue
				}
				s.logger.Debug("Device discovered",
					zap.String("serial", device.Serial),
					zap.String("address", device.Address()),
				)
				if visit(device) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := s.browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		<-done
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	<-done
	return nil
}

// parseServiceEntry converts a zeroconf service entry to a Device
// Returns nil if the entry is not an appliance
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil || entry.HostName == "" {
		return nil
	}
	hostname := entry.HostName

	matches := serialPattern.FindStringSubmatch(hostname)
	if len(matches) < 2 {
		return nil
	}

	// Get IP address (prefer IPv4)
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	// TXT records are in "key=value" format
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	return &Device{
		Serial:       matches[1],
		Model:        metadata["model"],
		Hostname:     hostname,
		IP:           ip,
		Port:         port,
		Metadata:     metadata,
		DiscoveredAt: s.now(),
	}
}
