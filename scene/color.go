package scene

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Color holds sRGB components in [0, 1].
type Color struct {
	R float64
	G float64
	B float64
}

// NewColor builds a color from sRGB components.
func NewColor(r, g, b float64) *Color {
	return &Color{R: r, G: g, B: b}
}

// NewColorHex builds a color from a 0xRRGGBB value.
func NewColorHex(hex uint32) *Color {
	c := &Color{}
	c.SetHex(hex)
	return c
}

// SetHex assigns from a 0xRRGGBB value.
func (c *Color) SetHex(hex uint32) *Color {
	c.R = float64(hex>>16&0xff) / 255
	c.G = float64(hex>>8&0xff) / 255
	c.B = float64(hex&0xff) / 255
	return c
}

// SetRGB assigns sRGB components.
func (c *Color) SetRGB(r, g, b float64) *Color {
	c.R, c.G, c.B = clamp01(r), clamp01(g), clamp01(b)
	return c
}

// SetHSL assigns from hue, saturation and lightness in [0, 1].
func (c *Color) SetHSL(h, s, l float64) *Color {
	h = math.Mod(h, 1)
	if h < 0 {
		h++
	}
	s, l = clamp01(s), clamp01(l)
	if s == 0 {
		c.R, c.G, c.B = l, l, l
		return c
	}
	var q float64
	if l <= 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q
	c.R = hueToRGB(p, q, h+1.0/3)
	c.G = hueToRGB(p, q, h)
	c.B = hueToRGB(p, q, h-1.0/3)
	return c
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*6*(2.0/3-t)
	default:
		return p
	}
}

// Clone returns a copy of c.
func (c *Color) Clone() *Color {
	cp := *c
	return &cp
}

// Set accepts a hex number, a "#rrggbb"/"#rgb"/named string, or another color.
// Unparseable input leaves the color unchanged.
func (c *Color) Set(v any) *Color {
	if parsed, err := ParseColor(v); err == nil {
		*c = *parsed
	}
	return c
}

// GetHex returns the 0xRRGGBB value.
func (c *Color) GetHex() uint32 {
	return uint32(math.Round(clamp01(c.R)*255))<<16 |
		uint32(math.Round(clamp01(c.G)*255))<<8 |
		uint32(math.Round(clamp01(c.B)*255))
}

// Linear returns the components converted from sRGB to linear space, which
// is what glTF base color factors expect.
func (c *Color) Linear() [3]float64 {
	return [3]float64{srgbToLinear(c.R), srgbToLinear(c.G), srgbToLinear(c.B)}
}

var namedColors = map[string]uint32{
	"black":   0x000000,
	"white":   0xffffff,
	"red":     0xff0000,
	"green":   0x008000,
	"lime":    0x00ff00,
	"blue":    0x0000ff,
	"yellow":  0xffff00,
	"orange":  0xffa500,
	"purple":  0x800080,
	"pink":    0xffc0cb,
	"brown":   0xa52a2a,
	"gray":    0x808080,
	"grey":    0x808080,
	"silver":  0xc0c0c0,
	"gold":    0xffd700,
	"cyan":    0x00ffff,
	"magenta": 0xff00ff,
	"navy":    0x000080,
	"teal":    0x008080,
}

// ParseColor converts the loosely typed values scene code passes for colors.
func ParseColor(v any) (*Color, error) {
	switch val := v.(type) {
	case *Color:
		if val == nil {
			return nil, fmt.Errorf("nil color")
		}
		cp := *val
		return &cp, nil
	case Color:
		return &val, nil
	case int64:
		return NewColorHex(uint32(val)), nil
	case int:
		return NewColorHex(uint32(val)), nil
	case float64:
		if math.IsNaN(val) || val < 0 {
			return nil, fmt.Errorf("invalid color value %v", val)
		}
		return NewColorHex(uint32(val)), nil
	case string:
		return parseColorString(val)
	default:
		return nil, fmt.Errorf("unsupported color value %T", v)
	}
}

func parseColorString(s string) (*Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if hex, ok := namedColors[s]; ok {
		return NewColorHex(hex), nil
	}
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return nil, fmt.Errorf("invalid color string %q", s)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid color string %q: %w", s, err)
	}
	return NewColorHex(uint32(n)), nil
}

func srgbToLinear(c float64) float64 {
	c = clamp01(c)
	if c < 0.04045 {
		return c * 0.0773993808
	}
	return math.Pow(c*0.9478672986+0.0521327014, 2.4)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
