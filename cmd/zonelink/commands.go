package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/zonelink/internal/config"
	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/discovery"
	"github.com/muurk/zonelink/internal/logging"
	"github.com/muurk/zonelink/internal/model"
	"github.com/muurk/zonelink/internal/profile"
)

// Command flags
var (
	scanTimeout int
	scanAdd     bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(setZoneCmd)
	rootCmd.AddCommand(diagCmd)
	rootCmd.AddCommand(profilesCmd)
}

// scanCmd discovers appliances on the network
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for appliances on the network",
	Long: `Scan for appliances using mDNS/DNS-SD discovery.

Devices already in the registry get their last seen address updated. With
--add, newly found devices are added with a discovery-resolved LAN endpoint.`,
	Example: `  # Scan with the registry's discover timeout
  zonelink scan

  # Longer scan, registering anything new
  zonelink scan --timeout 15 --add`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 0, "Scan timeout in seconds (default from registry preferences)")
	scanCmd.Flags().BoolVar(&scanAdd, "add", false, "Add newly discovered devices to the registry")
}

func runScan(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	format, err := resolveFormat(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	scanner := newScanner(reg)
	if scanTimeout > 0 {
		scanner.Timeout = time.Duration(scanTimeout) * time.Second
	}
	cache := newCache(reg)

	if format == formatTable {
		fmt.Fprintf(cmd.OutOrStdout(), "Scanning for appliances (timeout: %s)...\n\n", scanner.Timeout)
	}
	if _, err := cache.Refresh(cmd.Context(), scanner); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	devices := cache.Devices()

	if changed := recordSightings(reg, devices, scanAdd); changed > 0 {
		if err := reg.Save(); err != nil {
			return fmt.Errorf("failed to save registry: %w", err)
		}
		logging.Debug("Registry updated", zap.Int("devices", changed), zap.String("path", reg.Path()))
	}

	if format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), devices, true)
	}
	return printScan(cmd.OutOrStdout(), reg, devices)
}

// recordSightings stores discovery results in reg and returns how many
// entries changed. Unknown devices are only added when add is set.
func recordSightings(reg *config.Registry, devices []*discovery.Device, add bool) int {
	changed := 0
	for _, d := range devices {
		existing := reg.GetDevice(d.Serial)
		if existing == nil && !add {
			continue
		}
		reg.UpdateDeviceLastSeen(d.Serial, d.IP, d.DiscoveredAt)
		if existing == nil {
			entry := reg.GetDevice(d.Serial)
			entry.Model = d.Model
			entry.Local = &config.LocalEndpoint{Port: d.Port}
		}
		changed++
	}
	return changed
}

func printScan(out io.Writer, reg *config.Registry, devices []*discovery.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices found.")
		fmt.Fprintln(out, "\nTroubleshooting:")
		fmt.Fprintln(out, "  - Ensure the appliance is powered on and joined to this network")
		fmt.Fprintln(out, "  - Check that multicast traffic is not blocked")
		fmt.Fprintln(out, "  - Try increasing --timeout for slower networks")
		return nil
	}

	fmt.Fprintf(out, "Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Fprintf(out, "%d. %s\n", i+1, d.Hostname)
		fmt.Fprintf(out, "   Serial:  %s\n", d.Serial)
		if d.Model != "" {
			fmt.Fprintf(out, "   Model:   %s\n", d.Model)
		}
		fmt.Fprintf(out, "   Address: %s\n", d.Address())
		if entry := reg.GetDevice(d.Serial); entry != nil && entry.Nickname != "" {
			fmt.Fprintf(out, "   Name:    %s\n", entry.Nickname)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, "Use 'zonelink get <serial>' to read a registered device")
	return nil
}

// getCmd reads the current state once
var getCmd = &cobra.Command{
	Use:   "get <device> [property...]",
	Short: "Read device properties",
	Long: `Poll a device once and print its properties.

<device> is a serial number or nickname from the registry. When properties
are named only those are printed. Packed zone properties are expanded per
zone when the device model is known.`,
	Example: `  zonelink get kitchen
  zonelink get HB4210337 zone_levels child_lock --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	s, err := open(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	snap, refreshErr := s.core.Refresh(cmd.Context())
	if snap == nil && refreshErr != nil {
		return refreshErr
	}

	view := newSnapshotView(s.serial, s.core.CurrentState().String(), snap, s.profile, args[1:], refreshErr)
	if format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), view, true)
	}
	return printSnapshotTable(cmd.OutOrStdout(), view)
}

// watchCmd follows a device until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch <device> [property...]",
	Short: "Follow device state",
	Long: `Poll a device continuously and print every refresh.

The poll interval follows the connection state. JSON output is one object
per line. Stop with Ctrl-C.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := open(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	go s.rediscover(ctx)

	out := cmd.OutOrStdout()
	err = s.core.Run(ctx, func(snap *model.Snapshot, refreshErr error) {
		view := newSnapshotView(s.serial, s.core.CurrentState().String(), snap, s.profile, args[1:], refreshErr)
		if format == formatJSON {
			_ = writeJSON(out, view, false)
			return
		}
		_ = printSnapshotTable(out, view)
		fmt.Fprintf(out, "\nnext refresh in %s\n\n", s.core.PollInterval())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setCmd writes one property
var setCmd = &cobra.Command{
	Use:   "set <device> <property> <value>",
	Short: "Write a device property",
	Long: `Write one property and refresh the device.

Values are parsed as integers, floats or booleans where possible; "0x"
prefixed hex becomes a byte blob; anything else is sent as a string.`,
	Example: `  zonelink set kitchen child_lock true
  zonelink set oven target_temperature 180`,
	Args: cobra.ExactArgs(3),
	RunE: runSet,
}

func runSet(cmd *cobra.Command, args []string) error {
	s, err := open(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	value := model.ParseValue(args[2])
	if err := s.core.SetProperty(cmd.Context(), args[1], value); err != nil {
		return fmt.Errorf("set %s: %w", args[1], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s = %s\n", args[1], model.FormatValue(value))
	return nil
}

// setZoneCmd writes one zone of a packed property
var setZoneCmd = &cobra.Command{
	Use:   "set-zone <device> <property> <zone> <value>",
	Short: "Write one zone of a packed property",
	Long: `Change a single zone of a packed zone property, leaving the other zones
as last read from the device.

For level fields <value> is a number and is clamped to the property's range.
For flag fields <value> is on/off (or true/false, 1/0).`,
	Example: `  # Set zone 2 to level 6
  zonelink set-zone kitchen zone_levels 2 6

  # Switch zone 3 off
  zonelink set-zone kitchen zone_active 3 off`,
	Args: cobra.ExactArgs(4),
	RunE: runSetZone,
}

func runSetZone(cmd *cobra.Command, args []string) error {
	zone, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid zone %q: %w", args[2], err)
	}

	s, err := open(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)
	if s.profile == nil {
		return deviceerr.NewConfigurationError(fmt.Sprintf("device %s has no model; zone writes need a profile", s.serial))
	}
	prop, err := s.profile.Writable(args[1])
	if err != nil {
		return err
	}

	// Zone writes start from the current state.
	if _, err := s.core.Refresh(cmd.Context()); err != nil && s.core.Snapshot() == nil {
		return err
	}

	switch prop.Kind {
	case profile.KindFlagField:
		on, err := parseSwitch(args[3])
		if err != nil {
			return err
		}
		err = s.core.SetZoneFlag(cmd.Context(), prop.ID, zone, on)
		if err != nil {
			return fmt.Errorf("set %s zone %d: %w", prop.ID, zone, err)
		}
	case profile.KindValueField:
		value, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid level %q: %w", args[3], err)
		}
		err = s.core.SetZoneValue(cmd.Context(), prop.ID, zone, value)
		if err != nil {
			return fmt.Errorf("set %s zone %d: %w", prop.ID, zone, err)
		}
	default:
		return fmt.Errorf("%w: %s is a %s; use 'set'", profile.ErrWrongKind, prop.ID, prop.Kind)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s zone %d = %s\n", prop.ID, zone, args[3])
	return nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	on, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid flag %q (use on or off)", s)
	}
	return on, nil
}

// diagCmd reports connection health
var diagCmd = &cobra.Command{
	Use:   "diag <device>",
	Short: "Show connection diagnostics",
	Long: `Poll a device once and report connection state, backoff, circuit breaker
and per-channel health.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiag,
}

func runDiag(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	s, err := open(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeSession(s)

	// Failures show up in the diagnostics themselves.
	_, _ = s.core.Refresh(cmd.Context())

	d := s.core.Diagnostics()
	if format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), d, true)
	}
	return printDiagnosticsTable(cmd.OutOrStdout(), d)
}

// profilesCmd lists device models
var profilesCmd = &cobra.Command{
	Use:   "profiles [model]",
	Short: "List device profiles",
	Long: `List the known device models, or the properties of one model.

Profiles from the registry's profiles_file are included.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfiles,
}

func runProfiles(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(reg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		models := catalog.Models()
		if format == formatJSON {
			return writeJSON(out, models, true)
		}
		for _, m := range models {
			fmt.Fprintln(out, m)
		}
		return nil
	}

	p, err := catalog.Resolve(args[0])
	if err != nil {
		return err
	}
	if format == formatJSON {
		return writeJSON(out, p, true)
	}
	fmt.Fprintf(out, "%s (%s, %d zones)\n\n", p.Model, p.Family, p.Zones)
	props := append([]profile.Property(nil), p.Properties...)
	sort.Slice(props, func(i, j int) bool { return props[i].ID < props[j].ID })
	for _, prop := range props {
		access := "ro"
		if prop.Writable {
			access = "rw"
		}
		fmt.Fprintf(out, "  %-22s %-12s %s", prop.ID, prop.Kind, access)
		if prop.Max > 0 {
			fmt.Fprintf(out, "  [%d..%d]", prop.Min, prop.Max)
		}
		if prop.Unit != "" {
			fmt.Fprintf(out, "  %s", prop.Unit)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// open loads the registry and opens the named device
func open(ctx context.Context, name string) (*session, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	return openDevice(ctx, reg, name, nil)
}

func closeSession(s *session) {
	if err := s.Close(); err != nil {
		logging.Warn("Close failed", zap.String("device", s.serial), zap.Error(err))
	}
}
