package scene

import (
	"errors"
	"fmt"
	"math"
)

// MaxSegments caps tessellation parameters coming from scene code.
const MaxSegments = 256

// Geometry is an indexed triangle list with per-vertex normals.
type Geometry struct {
	Type      string
	Positions [][3]float32
	Normals   [][3]float32
	Indices   []uint32
}

// VertexCount returns the number of vertices.
func (g *Geometry) VertexCount() int { return len(g.Positions) }

// TriangleCount returns the number of triangles.
func (g *Geometry) TriangleCount() int { return len(g.Indices) / 3 }

// Validate checks buffer consistency.
func (g *Geometry) Validate() error {
	if len(g.Positions) == 0 {
		return errors.New("geometry has no vertices")
	}
	if len(g.Normals) != len(g.Positions) {
		return fmt.Errorf("geometry has %d normals for %d vertices", len(g.Normals), len(g.Positions))
	}
	if len(g.Indices) == 0 || len(g.Indices)%3 != 0 {
		return fmt.Errorf("geometry index count %d is not a positive multiple of 3", len(g.Indices))
	}
	n := uint32(len(g.Positions))
	for _, idx := range g.Indices {
		if idx >= n {
			return fmt.Errorf("geometry index %d out of range", idx)
		}
	}
	for _, p := range g.Positions {
		for _, c := range p {
			if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
				return errors.New("geometry has non-finite vertex")
			}
		}
	}
	return nil
}

// Bounds returns the axis-aligned bounding box of the positions.
func (g *Geometry) Bounds() (min, max [3]float32) {
	if len(g.Positions) == 0 {
		return min, max
	}
	min, max = g.Positions[0], g.Positions[0]
	for _, p := range g.Positions[1:] {
		for i := 0; i < 3; i++ {
			if p[i] < min[i] {
				min[i] = p[i]
			}
			if p[i] > max[i] {
				max[i] = p[i]
			}
		}
	}
	return min, max
}

// Translate offsets every vertex.
func (g *Geometry) Translate(x, y, z float64) *Geometry {
	for i, p := range g.Positions {
		g.Positions[i] = vec(float64(p[0])+x, float64(p[1])+y, float64(p[2])+z)
	}
	return g
}

// Scale multiplies vertex positions per axis. Normals are rescaled by the
// inverse factors and renormalized.
func (g *Geometry) Scale(x, y, z float64) *Geometry {
	if x == 0 || y == 0 || z == 0 {
		return g
	}
	for i, p := range g.Positions {
		g.Positions[i] = vec(float64(p[0])*x, float64(p[1])*y, float64(p[2])*z)
	}
	for i, n := range g.Normals {
		g.Normals[i] = normalize(float64(n[0])/x, float64(n[1])/y, float64(n[2])/z)
	}
	return g
}

// RotateX rotates the geometry around the X axis by angle radians.
func (g *Geometry) RotateX(angle float64) *Geometry {
	return g.rotate(angle, 1, 2)
}

// RotateY rotates the geometry around the Y axis by angle radians.
func (g *Geometry) RotateY(angle float64) *Geometry {
	return g.rotate(angle, 2, 0)
}

// RotateZ rotates the geometry around the Z axis by angle radians.
func (g *Geometry) RotateZ(angle float64) *Geometry {
	return g.rotate(angle, 0, 1)
}

// rotate turns the (a, b) plane; a then b follow the right-hand rule.
func (g *Geometry) rotate(angle float64, a, b int) *Geometry {
	sin, cos := math.Sin(angle), math.Cos(angle)
	turn := func(v [3]float32) [3]float32 {
		va, vb := float64(v[a]), float64(v[b])
		v[a] = float32(va*cos - vb*sin)
		v[b] = float32(va*sin + vb*cos)
		return v
	}
	for i := range g.Positions {
		g.Positions[i] = turn(g.Positions[i])
	}
	for i := range g.Normals {
		g.Normals[i] = turn(g.Normals[i])
	}
	return g
}

// Dispose is a no-op kept for scene code written against GPU-backed libraries.
func (g *Geometry) Dispose() {}

func clampSegments(v, min int) int {
	if v < min {
		return min
	}
	if v > MaxSegments {
		return MaxSegments
	}
	return v
}

func positive(v, fallback float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

func vec(x, y, z float64) [3]float32 {
	return [3]float32{float32(x), float32(y), float32(z)}
}

func normalize(x, y, z float64) [3]float32 {
	l := math.Sqrt(x*x + y*y + z*z)
	if l == 0 {
		return [3]float32{0, 1, 0}
	}
	return vec(x/l, y/l, z/l)
}

// NewBoxGeometry builds an axis-aligned box centered at the origin.
func NewBoxGeometry(width, height, depth float64) *Geometry {
	dims := [3]float64{positive(width, 1), positive(height, 1), positive(depth, 1)}
	g := &Geometry{Type: "BoxGeometry"}

	// normal axis, u axis, v axis (each: index, sign); u x v == normal
	faces := [6][3][2]int{
		{{0, 1}, {2, -1}, {1, 1}},
		{{0, -1}, {2, 1}, {1, 1}},
		{{1, 1}, {0, 1}, {2, -1}},
		{{1, -1}, {0, 1}, {2, 1}},
		{{2, 1}, {0, 1}, {1, 1}},
		{{2, -1}, {0, -1}, {1, 1}},
	}
	corners := [4][2]float64{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}}

	for _, f := range faces {
		base := uint32(len(g.Positions))
		var normal [3]float64
		normal[f[0][0]] = float64(f[0][1])
		for _, c := range corners {
			var p [3]float64
			p[f[0][0]] = float64(f[0][1]) * dims[f[0][0]] / 2
			p[f[1][0]] = c[0] * float64(f[1][1]) * dims[f[1][0]] / 2
			p[f[2][0]] = c[1] * float64(f[2][1]) * dims[f[2][0]] / 2
			g.Positions = append(g.Positions, vec(p[0], p[1], p[2]))
			g.Normals = append(g.Normals, vec(normal[0], normal[1], normal[2]))
		}
		g.Indices = append(g.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return g
}

// NewSphereGeometry builds a UV sphere.
func NewSphereGeometry(radius float64, widthSegments, heightSegments int) *Geometry {
	radius = positive(radius, 1)
	ws := clampSegments(widthSegments, 3)
	hs := clampSegments(heightSegments, 2)
	g := &Geometry{Type: "SphereGeometry"}

	for iy := 0; iy <= hs; iy++ {
		theta := float64(iy) / float64(hs) * math.Pi
		for ix := 0; ix <= ws; ix++ {
			phi := float64(ix) / float64(ws) * 2 * math.Pi
			x := -math.Cos(phi) * math.Sin(theta)
			y := math.Cos(theta)
			z := math.Sin(phi) * math.Sin(theta)
			g.Positions = append(g.Positions, vec(radius*x, radius*y, radius*z))
			g.Normals = append(g.Normals, normalize(x, y, z))
		}
	}

	row := uint32(ws + 1)
	for iy := 0; iy < hs; iy++ {
		for ix := 0; ix < ws; ix++ {
			a := uint32(iy)*row + uint32(ix) + 1
			b := uint32(iy)*row + uint32(ix)
			c := uint32(iy+1)*row + uint32(ix)
			d := uint32(iy+1)*row + uint32(ix) + 1
			if iy != 0 {
				g.Indices = append(g.Indices, a, b, d)
			}
			if iy != hs-1 {
				g.Indices = append(g.Indices, b, c, d)
			}
		}
	}
	return g
}

// NewCylinderGeometry builds a capped cylinder (or cone when radiusTop is 0).
func NewCylinderGeometry(radiusTop, radiusBottom, height float64, radialSegments int) *Geometry {
	if radiusTop < 0 || math.IsNaN(radiusTop) {
		radiusTop = 0
	}
	if radiusBottom < 0 || math.IsNaN(radiusBottom) {
		radiusBottom = 0
	}
	if radiusTop == 0 && radiusBottom == 0 {
		radiusTop, radiusBottom = 1, 1
	}
	height = positive(height, 1)
	rs := clampSegments(radialSegments, 3)
	g := &Geometry{Type: "CylinderGeometry"}

	slope := (radiusBottom - radiusTop) / height
	for iy := 0; iy <= 1; iy++ {
		r := float64(iy)*(radiusBottom-radiusTop) + radiusTop
		y := -float64(iy)*height + height/2
		for ix := 0; ix <= rs; ix++ {
			theta := float64(ix) / float64(rs) * 2 * math.Pi
			sin, cos := math.Sin(theta), math.Cos(theta)
			g.Positions = append(g.Positions, vec(r*sin, y, r*cos))
			g.Normals = append(g.Normals, normalize(sin, slope, cos))
		}
	}
	row := uint32(rs + 1)
	for ix := uint32(0); ix < uint32(rs); ix++ {
		a, b, c, d := ix, row+ix, row+ix+1, ix+1
		g.Indices = append(g.Indices, a, b, d, b, c, d)
	}

	if radiusTop > 0 {
		g.addCap(radiusTop, height/2, rs, true)
	}
	if radiusBottom > 0 {
		g.addCap(radiusBottom, -height/2, rs, false)
	}
	return g
}

func (g *Geometry) addCap(radius, y float64, segments int, top bool) {
	ny := -1.0
	if top {
		ny = 1
	}
	center := uint32(len(g.Positions))
	g.Positions = append(g.Positions, vec(0, y, 0))
	g.Normals = append(g.Normals, vec(0, ny, 0))

	ring := uint32(len(g.Positions))
	for ix := 0; ix <= segments; ix++ {
		theta := float64(ix) / float64(segments) * 2 * math.Pi
		g.Positions = append(g.Positions, vec(radius*math.Sin(theta), y, radius*math.Cos(theta)))
		g.Normals = append(g.Normals, vec(0, ny, 0))
	}
	for ix := uint32(0); ix < uint32(segments); ix++ {
		i := ring + ix
		if top {
			g.Indices = append(g.Indices, i, i+1, center)
		} else {
			g.Indices = append(g.Indices, i+1, i, center)
		}
	}
}

// NewConeGeometry builds a cone with its apex pointing up.
func NewConeGeometry(radius, height float64, radialSegments int) *Geometry {
	g := NewCylinderGeometry(0, positive(radius, 1), height, radialSegments)
	g.Type = "ConeGeometry"
	return g
}

// NewPlaneGeometry builds a rectangle in the XY plane facing +Z.
func NewPlaneGeometry(width, height float64) *Geometry {
	w, h := positive(width, 1)/2, positive(height, 1)/2
	return &Geometry{
		Type: "PlaneGeometry",
		Positions: [][3]float32{
			vec(-w, -h, 0), vec(w, -h, 0), vec(w, h, 0), vec(-w, h, 0),
		},
		Normals: [][3]float32{
			{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1},
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}
}

// NewTorusGeometry builds a torus in the XY plane.
func NewTorusGeometry(radius, tube float64, radialSegments, tubularSegments int) *Geometry {
	radius = positive(radius, 1)
	tube = positive(tube, 0.4)
	rs := clampSegments(radialSegments, 3)
	ts := clampSegments(tubularSegments, 3)
	g := &Geometry{Type: "TorusGeometry"}

	for j := 0; j <= rs; j++ {
		v := float64(j) / float64(rs) * 2 * math.Pi
		for i := 0; i <= ts; i++ {
			u := float64(i) / float64(ts) * 2 * math.Pi
			x := (radius + tube*math.Cos(v)) * math.Cos(u)
			y := (radius + tube*math.Cos(v)) * math.Sin(u)
			z := tube * math.Sin(v)
			g.Positions = append(g.Positions, vec(x, y, z))
			g.Normals = append(g.Normals, normalize(x-radius*math.Cos(u), y-radius*math.Sin(u), z))
		}
	}

	row := uint32(ts + 1)
	for j := uint32(1); j <= uint32(rs); j++ {
		for i := uint32(1); i <= uint32(ts); i++ {
			a := row*j + i - 1
			b := row*(j-1) + i - 1
			c := row*(j-1) + i
			d := row*j + i
			g.Indices = append(g.Indices, a, b, d, b, c, d)
		}
	}
	return g
}
