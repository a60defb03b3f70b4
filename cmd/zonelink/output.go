package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/muurk/zonelink/internal/deviceerr"
	"github.com/muurk/zonelink/internal/model"
	"github.com/muurk/zonelink/internal/profile"
	"github.com/muurk/zonelink/internal/synccore"
)

const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSON  = "json"
)

// resolveFormat turns "auto" into table for terminals and json otherwise.
func resolveFormat(format string, out io.Writer) (string, error) {
	switch format {
	case formatTable, formatJSON:
		return format, nil
	case formatAuto, "":
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return formatTable, nil
		}
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use auto, table or json)", format)
	}
}

func writeJSON(out io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(out)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// snapshotView is the printable form of a snapshot.
type snapshotView struct {
	Device        string                       `json:"device"`
	State         string                       `json:"state"`
	Source        model.Source                 `json:"source"`
	CapturedAt    time.Time                    `json:"captured_at"`
	Stale         bool                         `json:"stale"`
	Properties    map[string]any               `json:"properties"`
	Zones         map[string][]profile.Zone    `json:"zones,omitempty"`
	Faults        []model.Fault                `json:"faults,omitempty"`
	Discrepancies map[string]model.Discrepancy `json:"discrepancies,omitempty"`
	Error         string                       `json:"error,omitempty"`

	kinds map[string]profile.Kind
}

// newSnapshotView renders snap. When only is non-empty the view is limited
// to those property ids. Packed properties are expanded when p is known.
func newSnapshotView(serial, state string, snap *model.Snapshot, p *profile.Profile, only []string, refreshErr error) snapshotView {
	v := snapshotView{
		Device:     serial,
		State:      state,
		Properties: make(map[string]any),
	}
	if refreshErr != nil {
		v.Error = deviceerr.ShortMessage(refreshErr)
	}
	if snap == nil {
		return v
	}

	v.Source = snap.Source()
	v.CapturedAt = snap.CapturedAt()
	v.Stale = snap.Stale()
	v.Faults = snap.Faults()
	if d := snap.Discrepancies(); len(d) > 0 {
		v.Discrepancies = d
	}

	for id, pv := range snap.Values() {
		if len(only) > 0 && !slices.Contains(only, id) {
			continue
		}
		if b, ok := pv.Value.([]byte); ok {
			v.Properties[id] = model.FormatValue(b)
		} else {
			v.Properties[id] = pv.Value
		}

		if p == nil {
			continue
		}
		prop, ok := p.Property(id)
		if !ok || prop.Kind == profile.KindScalar {
			continue
		}
		zones, err := p.Expand(snap, id)
		if err != nil {
			continue
		}
		if v.Zones == nil {
			v.Zones = make(map[string][]profile.Zone)
			v.kinds = make(map[string]profile.Kind)
		}
		v.Zones[id] = zones
		v.kinds[id] = prop.Kind
	}
	return v
}

func printSnapshotTable(out io.Writer, v snapshotView) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Device:\t%s\n", v.Device)
	fmt.Fprintf(w, "State:\t%s\n", v.State)
	if !v.CapturedAt.IsZero() {
		stale := ""
		if v.Stale {
			stale = " (stale)"
		}
		fmt.Fprintf(w, "Captured:\t%s via %s%s\n", v.CapturedAt.Format(time.RFC3339), v.Source, stale)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", v.Error)
	}
	fmt.Fprintln(w)

	ids := make([]string, 0, len(v.Properties))
	for id := range v.Properties {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintln(w, "PROPERTY\tVALUE")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%v\n", id, v.Properties[id])
		for _, z := range v.Zones[id] {
			fmt.Fprintf(w, "  zone %d\t%s\n", z.Zone, zoneText(z, v.kinds[id]))
		}
	}

	for _, f := range v.Faults {
		fmt.Fprintf(w, "\nFault %s:\t%s (%s)\n", f.Code, f.Message, f.Source)
	}
	for id, d := range v.Discrepancies {
		fmt.Fprintf(w, "Discrepancy %s:\tlocal=%s cloud=%s\n", id, model.FormatValue(d.Local), model.FormatValue(d.Cloud))
	}
	return w.Flush()
}

func zoneText(z profile.Zone, kind profile.Kind) string {
	if kind == profile.KindValueField {
		return fmt.Sprint(z.Value)
	}
	if z.On {
		return "on"
	}
	return "off"
}

func printDiagnosticsTable(out io.Writer, d synccore.Diagnostics) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Device:\t%s\n", d.Device)
	fmt.Fprintf(w, "Variant:\t%s\n", d.Variant)
	fmt.Fprintf(w, "State:\t%s\n", d.Connection.State)
	fmt.Fprintf(w, "Mode:\t%s\n", d.Mode)
	fmt.Fprintf(w, "Last sync:\t%s\n", formatTime(d.LastSync))
	fmt.Fprintf(w, "Stale:\t%v\n", d.Stale)
	if !d.LastReconciliation.IsZero() {
		fmt.Fprintf(w, "Last reconciliation:\t%s\n", formatTime(d.LastReconciliation))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "CHANNEL\tAVAILABLE\tCREDENTIALS\tERRORS\tLAST ERROR")
	for _, c := range d.Channels {
		creds := "ok"
		if c.AuthFailed {
			creds = "rejected"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\n", c.Kind, c.Available, creds, c.Errors, c.LastError)
	}
	for id, disc := range d.Discrepancies {
		fmt.Fprintf(w, "\nDiscrepancy %s:\tlocal=%s cloud=%s\n", id, model.FormatValue(disc.Local), model.FormatValue(disc.Cloud))
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
