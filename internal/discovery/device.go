package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Device represents an appliance found on the network
type Device struct {
	// Serial is the device serial number (e.g., "HB4210337")
	Serial string

	// Model is the profile model id advertised in TXT "model"
	Model string

	// Hostname is the mDNS hostname (e.g., "zonelink-HB4210337.local.")
	Hostname string

	// IP is the preferred address, IPv4 when available
	IP string

	// Port is the LAN API port
	Port int

	// Metadata contains the mDNS TXT record data
	// Common fields: "model=HOB-IND-4", "api=1"
	Metadata map[string]string

	// DiscoveredAt is when the device was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the device
func (d *Device) String() string {
	return fmt.Sprintf("%s %s (%s) at %s", d.Model, d.Serial, d.Hostname, d.Address())
}

// Address returns host:port, bracketing IPv6 literals.
func (d *Device) Address() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (d *Device) GetMetadata(key string) string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[key]
}
