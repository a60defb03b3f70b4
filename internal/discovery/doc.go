// Package discovery locates appliances on the local network over mDNS and
// remembers their addresses.
//
// Appliances advertise the "_zonelink._tcp" service under a hostname of the
// form "zonelink-<serial>.local", with the profile model id in the TXT
// record "model".
//
// # Address Cache
//
// A Cache holds discovered addresses for a bounded TTL and implements
// channel.Resolver, so a LAN channel configured without a host resolves its
// device through the cache on every connect. Caches are explicit instances
// owned by the caller; nothing in this package is global.
//
// # Usage Example
//
//	scanner := discovery.NewScanner()
//	cache := discovery.NewCache(5 * time.Minute)
//
//	devices, err := cache.Refresh(ctx, scanner)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, device := range devices {
//	    fmt.Println(device)
//	}
//
//	local := channel.NewLocalClient(channel.LocalConfig{
//	    Serial:   "HB4210337",
//	    Resolver: cache,
//	})
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Devices must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
