// Package keypoints holds the canonical pitch keypoint schema: the named,
// numbered landmarks an annotator places on a frame, their positions on a
// 105x68 m reference pitch and the colour each one is drawn with.
package keypoints

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrConfiguration marks a malformed static keypoint table. It is fatal at
// startup and never produced at runtime.
var ErrConfiguration = errors.New("keypoint configuration error")

// Pitch dimensions in metres.
const (
	PitchWidth  = 105.0
	PitchHeight = 68.0
)

// RGB is a plain 8-bit colour.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Hex returns the colour as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Entry is one row of the static keypoint table.
type Entry struct {
	Number int
	X, Y   float64
	Name   string
}

// Spec describes one keypoint. Specs are immutable once built.
type Spec struct {
	Number int     `json:"number"`
	Name   string  `json:"name"`
	RefX   float64 `json:"x"`
	RefY   float64 `json:"y"`
	Color  RGB     `json:"color"`
}

// ColorForIndex spreads n hues evenly over the colour wheel:
// hue = floor(360*i/n) degrees at full saturation and value.
func ColorForIndex(i, n int) RGB {
	if n <= 0 {
		return RGB{}
	}
	hue := 360 * i / n
	return hsvToRGB(float64(hue), 1, 1)
}

func hsvToRGB(h, s, v float64) RGB {
	h = math.Mod(h, 360) / 60
	sector := int(h)
	f := h - float64(sector)
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch sector {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return RGB{R: to8(r), G: to8(g), B: to8(b)}
}

func to8(x float64) uint8 {
	return uint8(math.Round(x * 255))
}

// Build turns a static table into specs, assigning colours by table index.
func Build(table []Entry) ([]Spec, error) {
	specs := make([]Spec, 0, len(table))
	numbers := make(map[int]struct{}, len(table))
	names := make(map[string]struct{}, len(table))

	for i, e := range table {
		if e.Number <= 0 {
			return nil, fmt.Errorf("%w: row %d has non-positive number %d", ErrConfiguration, i, e.Number)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("%w: row %d has empty name", ErrConfiguration, i)
		}
		if _, dup := numbers[e.Number]; dup {
			return nil, fmt.Errorf("%w: duplicate keypoint number %d", ErrConfiguration, e.Number)
		}
		if _, dup := names[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate keypoint name %q", ErrConfiguration, e.Name)
		}
		numbers[e.Number] = struct{}{}
		names[e.Name] = struct{}{}

		specs = append(specs, Spec{
			Number: e.Number,
			Name:   e.Name,
			RefX:   e.X,
			RefY:   e.Y,
			Color:  ColorForIndex(i, len(table)),
		})
	}
	return specs, nil
}

// MustBuild is Build for static tables; malformed data panics.
func MustBuild(table []Entry) []Spec {
	specs, err := Build(table)
	if err != nil {
		panic(err)
	}
	return specs
}

// Names returns the spec names in table order. This is the canonical
// keypoint ordering used when encoding annotations for the tracker.
func Names(specs []Spec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Schema indexes a spec list by name and number.
type Schema struct {
	specs    []Spec
	byName   map[string]int
	byNumber map[int]int
}

// NewSchema builds a Schema from a static table.
func NewSchema(table []Entry) (*Schema, error) {
	specs, err := Build(table)
	if err != nil {
		return nil, err
	}
	s := &Schema{
		specs:    specs,
		byName:   make(map[string]int, len(specs)),
		byNumber: make(map[int]int, len(specs)),
	}
	for i, sp := range specs {
		s.byName[sp.Name] = i
		s.byNumber[sp.Number] = i
	}
	return s, nil
}

var (
	defaultSchema     *Schema
	defaultSchemaOnce sync.Once
)

// Default returns the schema built from the standard pitch table.
func Default() *Schema {
	defaultSchemaOnce.Do(func() {
		s, err := NewSchema(PitchTable)
		if err != nil {
			panic(err)
		}
		defaultSchema = s
	})
	return defaultSchema
}

// Specs returns a copy of the specs in table order.
func (s *Schema) Specs() []Spec {
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Names returns keypoint names in table order.
func (s *Schema) Names() []string {
	return Names(s.specs)
}

// Len returns the number of keypoints.
func (s *Schema) Len() int {
	return len(s.specs)
}

// Has reports whether name is a known keypoint.
func (s *Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// ByName looks a keypoint up by name.
func (s *Schema) ByName(name string) (Spec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Spec{}, false
	}
	return s.specs[i], true
}

// ByNumber looks a keypoint up by its shortcut number.
func (s *Schema) ByNumber(number int) (Spec, bool) {
	i, ok := s.byNumber[number]
	if !ok {
		return Spec{}, false
	}
	return s.specs[i], true
}
