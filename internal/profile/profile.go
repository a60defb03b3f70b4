// Package profile describes the properties a device family exposes: which
// are plain scalars, which pack per-zone values or flags, their widths,
// ranges and writability.
//
// Profiles are resolved once, when a device is configured, and consumed as
// plain data afterwards.
package profile

import (
	"errors"
	"fmt"

	"github.com/muurk/zonelink/internal/bitfield"
	"github.com/muurk/zonelink/internal/model"
)

var (
	// ErrUnknownProperty is returned for a property the profile does not declare
	ErrUnknownProperty = errors.New("unknown property")

	// ErrReadOnly is returned when writing a property that is not writable
	ErrReadOnly = errors.New("property is read-only")

	// ErrWrongKind is returned when a zone operation targets a property of another kind
	ErrWrongKind = errors.New("property kind does not support this operation")
)

// Family tags the appliance family a profile belongs to.
type Family string

const (
	FamilyHob  Family = "hob"
	FamilyOven Family = "oven"
	FamilyHood Family = "hood"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyHob, FamilyOven, FamilyHood:
		return true
	}
	return false
}

// Kind says how a property's value is encoded.
type Kind string

const (
	// KindScalar is a plain number, bool or string
	KindScalar Kind = "scalar"

	// KindValueField packs one multi-bit value per zone
	KindValueField Kind = "value_field"

	// KindFlagField packs one bit per zone
	KindFlagField Kind = "flag_field"
)

// Property declares one device property. Min and Max bound writes; a
// property that declares neither is unbounded.
type Property struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	Unit        string `yaml:"unit,omitempty" json:"unit,omitempty"`
	Writable    bool   `yaml:"writable,omitempty" json:"writable,omitempty"`
	BitsPerZone int    `yaml:"bits_per_zone,omitempty" json:"bits_per_zone,omitempty"`
	Min         uint64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         uint64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Profile describes one device model.
type Profile struct {
	Model      string     `yaml:"model" json:"model"`
	Family     Family     `yaml:"family" json:"family"`
	Zones      int        `yaml:"zones,omitempty" json:"zones,omitempty"`
	Properties []Property `yaml:"properties" json:"properties"`

	index map[string]int
}

// Validate checks the profile and builds its lookup index.
func (p *Profile) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("profile model is required")
	}
	if !p.Family.Valid() {
		return fmt.Errorf("profile %s: unknown family %q", p.Model, p.Family)
	}

	p.index = make(map[string]int, len(p.Properties))
	zoned := 0
	for i, prop := range p.Properties {
		if prop.ID == "" {
			return fmt.Errorf("profile %s: property %d has no id", p.Model, i)
		}
		if _, dup := p.index[prop.ID]; dup {
			return fmt.Errorf("profile %s: duplicate property %s", p.Model, prop.ID)
		}
		switch prop.Kind {
		case KindScalar:
		case KindValueField:
			if prop.BitsPerZone < 0 || prop.BitsPerZone > bitfield.MaxBitsPerZone {
				return fmt.Errorf("profile %s: property %s: bits per zone %d out of range", p.Model, prop.ID, prop.BitsPerZone)
			}
			if layout := p.ValueLayout(prop); prop.Max > layout.Max() {
				return fmt.Errorf("profile %s: property %s: max %d does not fit in %d bits", p.Model, prop.ID, prop.Max, layout.Bits())
			}
			zoned++
		case KindFlagField:
			zoned++
		default:
			return fmt.Errorf("profile %s: property %s: unknown kind %q", p.Model, prop.ID, prop.Kind)
		}
		if prop.Min > prop.Max {
			return fmt.Errorf("profile %s: property %s: min %d exceeds max %d", p.Model, prop.ID, prop.Min, prop.Max)
		}
		p.index[prop.ID] = i
	}

	if zoned > 0 && p.Zones < 1 {
		return fmt.Errorf("profile %s: zoned properties need a zone count", p.Model)
	}
	// Every hob exposes per-zone power levels
	if p.Family == FamilyHob && zoned == 0 {
		return fmt.Errorf("profile %s: hob profiles need at least one zone field", p.Model)
	}
	return nil
}

// Property returns the property with the given id.
func (p *Profile) Property(id string) (Property, bool) {
	if p == nil {
		return Property{}, false
	}
	if p.index == nil {
		for _, prop := range p.Properties {
			if prop.ID == id {
				return prop, true
			}
		}
		return Property{}, false
	}
	i, ok := p.index[id]
	if !ok {
		return Property{}, false
	}
	return p.Properties[i], true
}

// Writable returns the property if it exists and accepts writes.
func (p *Profile) Writable(id string) (Property, error) {
	prop, ok := p.Property(id)
	if !ok {
		return Property{}, fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}
	if !prop.Writable {
		return Property{}, fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	return prop, nil
}

// ValueLayout returns the bit layout of a value field.
func (p *Profile) ValueLayout(prop Property) bitfield.ValueLayout {
	return bitfield.ValueLayout{ZoneCount: p.Zones, BitsPerZone: prop.BitsPerZone}
}

// FlagLayout returns the bit layout of a flag field.
func (p *Profile) FlagLayout() bitfield.FlagLayout {
	return bitfield.FlagLayout{ZoneCount: p.Zones}
}

// Range returns the clamp range for writes.
func (prop Property) Range() bitfield.Range {
	if prop.Min == 0 && prop.Max == 0 {
		return bitfield.Range{}
	}
	return bitfield.Between(prop.Min, prop.Max)
}

// Zone is the decoded reading of one zone of a packed property.
type Zone struct {
	Zone  int    `json:"zone"`
	Value uint64 `json:"value,omitempty"`
	On    bool   `json:"on,omitempty"`
}

// Expand decodes a packed property from snap into per-zone readings. Absent
// properties decode as all zeros.
func (p *Profile) Expand(snap *model.Snapshot, id string) ([]Zone, error) {
	prop, ok := p.Property(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProperty, id)
	}

	data := snap.Bytes(id)
	zones := make([]Zone, 0, p.Zones)
	switch prop.Kind {
	case KindValueField:
		values := p.ValueLayout(prop).Decode(data)
		for z := 1; z <= p.Zones; z++ {
			zones = append(zones, Zone{Zone: z, Value: values[z]})
		}
	case KindFlagField:
		flags := p.FlagLayout().Decode(data)
		for z := 1; z <= p.Zones; z++ {
			zones = append(zones, Zone{Zone: z, On: flags[z]})
		}
	default:
		return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, id, prop.Kind)
	}
	return zones, nil
}
