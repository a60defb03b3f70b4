// Package config manages the zonelink configuration file: the devices to
// sync, their endpoints, and the sync settings each resolves to.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/zonelink/config.yaml or $HOME/.config/zonelink/config.yaml
//   - macOS: $HOME/.config/zonelink/config.yaml
//   - Windows: %LOCALAPPDATA%\zonelink\config.yaml
//
// # Settings Resolution
//
// Each device's effective settings are the built-in defaults, overlaid by the
// registry's defaults section, overlaid by the device's own sync section.
// Durations are written as Go duration strings ("30s", "5m").
//
// # Security
//
// IMPORTANT: This package NEVER stores device passwords or cloud tokens. They
// are read from ZONELINK_PASSWORD and ZONELINK_CLOUD_TOKEN when needed.
//
// # Usage Example
//
//	registry, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	registry.EnsureDevice("HOB1").Local = &config.LocalEndpoint{Host: "192.168.1.20"}
//
//	settings, err := registry.SettingsFor("HOB1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save changes atomically
//	if err := registry.Save(); err != nil {
//	    log.Fatal(err)
//	}
package config
