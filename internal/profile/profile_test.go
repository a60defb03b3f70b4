package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/zonelink/internal/model"
)

func TestBuiltin(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	models := c.Models()
	assert.Contains(t, models, "HOB-IND-4")
	assert.Contains(t, models, "OVEN-STD-1")
	assert.Contains(t, models, "HOOD-STD-1")

	hob, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)
	assert.Equal(t, FamilyHob, hob.Family)
	assert.Equal(t, 4, hob.Zones)

	levels, ok := hob.Property("zone_levels")
	require.True(t, ok)
	assert.Equal(t, KindValueField, levels.Kind)
	assert.Equal(t, 8, levels.BitsPerZone)
	assert.Equal(t, uint64(9), levels.Max)
	assert.True(t, levels.Writable)
}

func TestResolve_UnknownModel(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	_, err = c.Resolve("TOASTER-9000")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestResolve_ReturnsCopy(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	p, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)
	p.Properties[0].Writable = false
	p.Zones = 1

	again, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)
	assert.Equal(t, 4, again.Zones)
	assert.True(t, again.Properties[0].Writable)
}

func TestLoadOverrides(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	err = c.LoadOverrides(strings.NewReader(`
profiles:
  - model: HOB-IND-4
    family: hob
    zones: 2
    properties:
      - id: zone_levels
        kind: value_field
        bits_per_zone: 4
        max: 12
        writable: true
  - model: HOOD-XL
    family: hood
    properties:
      - id: fan_speed
        kind: scalar
        writable: true
`))
	require.NoError(t, err)

	hob, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)
	assert.Equal(t, 2, hob.Zones)
	_, ok := hob.Property("zone_active")
	assert.False(t, ok, "override replaces the whole profile")

	_, err = c.Resolve("HOOD-XL")
	assert.NoError(t, err)
}

func TestLoadOverrides_InvalidLeavesCatalogUnchanged(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed yaml", "profiles: [::"},
		{"missing model", "profiles:\n  - family: hob\n"},
		{"unknown family", "profiles:\n  - model: X\n    family: fridge\n"},
		{"unknown kind", "profiles:\n  - model: X\n    family: oven\n    properties:\n      - id: a\n        kind: matrix\n"},
		{"duplicate property", "profiles:\n  - model: X\n    family: oven\n    properties:\n      - {id: a, kind: scalar}\n      - {id: a, kind: scalar}\n"},
		{"zoned without zones", "profiles:\n  - model: X\n    family: hob\n    properties:\n      - {id: a, kind: flag_field}\n"},
		{"hob without zone field", "profiles:\n  - model: X\n    family: hob\n    zones: 2\n    properties:\n      - {id: a, kind: scalar}\n"},
		{"bits too wide", "profiles:\n  - model: X\n    family: hob\n    zones: 2\n    properties:\n      - {id: a, kind: value_field, bits_per_zone: 65}\n"},
		{"max wider than zone", "profiles:\n  - model: X\n    family: hob\n    zones: 2\n    properties:\n      - {id: a, kind: value_field, bits_per_zone: 4, max: 20}\n"},
		{"inverted range", "profiles:\n  - model: X\n    family: oven\n    properties:\n      - {id: a, kind: scalar, min: 10, max: 5}\n"},
		{"duplicate model", "profiles:\n  - {model: X, family: hood}\n  - {model: X, family: hood}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Builtin()
			require.NoError(t, err)
			before := c.Models()

			assert.Error(t, c.LoadOverrides(strings.NewReader(tt.yaml)))
			assert.Equal(t, before, c.Models())
		})
	}
}

func TestLoadFile(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - {model: OVEN-MINI, family: oven}\n"), 0600))

	require.NoError(t, c.LoadFile(path))
	_, err = c.Resolve("OVEN-MINI")
	assert.NoError(t, err)

	err = c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWritable(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	hob, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)

	prop, err := hob.Writable("zone_levels")
	require.NoError(t, err)
	assert.Equal(t, "zone_levels", prop.ID)

	_, err = hob.Writable("zone_residual_heat")
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = hob.Writable("nope")
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestPropertyRange(t *testing.T) {
	assert.False(t, Property{ID: "fan"}.Range().Bounded)

	r := Property{ID: "level", Max: 9}.Range()
	assert.True(t, r.Bounded)
	assert.Equal(t, uint64(9), r.Max)
}

func TestProperty_WithoutIndex(t *testing.T) {
	p := &Profile{Model: "X", Family: FamilyOven, Properties: []Property{{ID: "a", Kind: KindScalar}}}

	prop, ok := p.Property("a")
	assert.True(t, ok)
	assert.Equal(t, "a", prop.ID)

	var nilProfile *Profile
	_, ok = nilProfile.Property("a")
	assert.False(t, ok)
}

func TestExpand(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	hob, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)

	snap := model.NewSnapshot(map[string]any{
		"zone_levels": []byte{5, 0, 9, 2},
		"zone_active": []byte{0b0101},
		"child_lock":  true,
	}, model.SourceLocal, time.Now())

	levels, err := hob.Expand(snap, "zone_levels")
	require.NoError(t, err)
	assert.Equal(t, []Zone{
		{Zone: 1, Value: 5},
		{Zone: 2, Value: 0},
		{Zone: 3, Value: 9},
		{Zone: 4, Value: 2},
	}, levels)

	active, err := hob.Expand(snap, "zone_active")
	require.NoError(t, err)
	assert.Equal(t, []Zone{
		{Zone: 1, On: true},
		{Zone: 2},
		{Zone: 3, On: true},
		{Zone: 4},
	}, active)

	_, err = hob.Expand(snap, "child_lock")
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = hob.Expand(snap, "nope")
	assert.ErrorIs(t, err, ErrUnknownProperty)
}

func TestExpand_AbsentPropertyDecodesAsZero(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)
	hob, err := c.Resolve("HOB-IND-4")
	require.NoError(t, err)

	snap := model.NewSnapshot(map[string]any{}, model.SourceLocal, time.Now())
	levels, err := hob.Expand(snap, "zone_levels")
	require.NoError(t, err)
	require.Len(t, levels, 4)
	for _, z := range levels {
		assert.Zero(t, z.Value)
	}
}
