// Package model holds the plain data types exchanged between the sync core and
// its consumers: property values, device snapshots and reconciliation results.
package model

import (
	"maps"
	"slices"
	"time"
)

// Source identifies where a property value came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceCloud  Source = "cloud"
	SourceCached Source = "cached"
)

// PropertyValue is one observed device property.
type PropertyValue struct {
	ID         string    `json:"id"`
	Value      any       `json:"value"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Fault is a device-reported internal fault. Faults travel with the snapshot
// instead of failing the fetch.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Source  Source `json:"source"`
}

// Discrepancy records a property both channels reported with different values.
type Discrepancy struct {
	Local any `json:"local"`
	Cloud any `json:"cloud"`
}

// Snapshot is an immutable view of every device property captured in one cycle.
// It is replaced wholesale by the next cycle and never modified in place.
type Snapshot struct {
	values        map[string]PropertyValue
	source        Source
	capturedAt    time.Time
	stale         bool
	faults        []Fault
	discrepancies map[string]Discrepancy
}

// NewSnapshot builds a snapshot from raw channel values. Values are normalized
// so equal readings from different channels compare equal.
func NewSnapshot(raw map[string]any, source Source, at time.Time) *Snapshot {
	values := make(map[string]PropertyValue, len(raw))
	for id, v := range raw {
		values[id] = PropertyValue{ID: id, Value: Normalize(v), Source: source, ObservedAt: at}
	}
	return &Snapshot{values: values, source: source, capturedAt: at}
}

// NewSnapshotFromValues builds a snapshot from already-attributed values, as
// produced by a merge.
func NewSnapshotFromValues(values map[string]PropertyValue, source Source, at time.Time) *Snapshot {
	return &Snapshot{values: maps.Clone(values), source: source, capturedAt: at}
}

// Get returns the property with the given id.
func (s *Snapshot) Get(id string) (PropertyValue, bool) {
	if s == nil {
		return PropertyValue{}, false
	}
	v, ok := s.values[id]
	return v, ok
}

// Bytes returns a blob property, or nil when absent or not a blob.
func (s *Snapshot) Bytes(id string) []byte {
	v, ok := s.Get(id)
	if !ok {
		return nil
	}
	b, _ := v.Value.([]byte)
	return slices.Clone(b)
}

// Values returns a copy of every property.
func (s *Snapshot) Values() map[string]PropertyValue {
	if s == nil {
		return nil
	}
	return maps.Clone(s.values)
}

// IDs returns the property ids in sorted order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.values))
}

// Len returns the number of properties.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

func (s *Snapshot) Source() Source        { return s.source }
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// Stale reports whether the snapshot is a retained copy served after a failed cycle.
func (s *Snapshot) Stale() bool { return s.stale }

// Faults returns device-reported faults captured with the snapshot.
func (s *Snapshot) Faults() []Fault { return slices.Clone(s.faults) }

// Discrepancies returns the conflicts found when this snapshot was merged from
// both channels. Empty for single-source snapshots.
func (s *Snapshot) Discrepancies() map[string]Discrepancy {
	return maps.Clone(s.discrepancies)
}

// AsStale returns a copy flagged stale with every value attributed to the cache.
func (s *Snapshot) AsStale() *Snapshot {
	out := s.clone()
	out.stale = true
	out.source = SourceCached
	for id, v := range out.values {
		v.Source = SourceCached
		out.values[id] = v
	}
	return out
}

// WithFaults returns a copy carrying the given faults in addition to its own.
func (s *Snapshot) WithFaults(faults ...Fault) *Snapshot {
	out := s.clone()
	out.faults = append(out.faults, faults...)
	return out
}

// WithDiscrepancies returns a copy carrying a reconciliation discrepancy set.
func (s *Snapshot) WithDiscrepancies(d map[string]Discrepancy) *Snapshot {
	out := s.clone()
	out.discrepancies = maps.Clone(d)
	return out
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		values:        maps.Clone(s.values),
		source:        s.source,
		capturedAt:    s.capturedAt,
		stale:         s.stale,
		faults:        slices.Clone(s.faults),
		discrepancies: maps.Clone(s.discrepancies),
	}
}
