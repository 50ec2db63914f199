package scene

import (
	"errors"
	"fmt"
	"math"
)

// MaxDepth bounds node nesting accepted for export.
const MaxDepth = 512

var (
	// ErrNilChild is returned when a child slot holds no node.
	ErrNilChild = errors.New("scene graph contains an empty child")
	// ErrRepeatedNode is returned when a node is reachable more than once,
	// which includes cycles.
	ErrRepeatedNode = errors.New("scene graph contains a node more than once")
	// ErrTooDeep is returned when nesting exceeds MaxDepth.
	ErrTooDeep = fmt.Errorf("scene graph is nested deeper than %d levels", MaxDepth)
)

// Kind identifies the role of a node in the graph.
type Kind string

const (
	KindScene Kind = "Scene"
	KindGroup Kind = "Group"
	KindMesh  Kind = "Mesh"
)

// Vector3 is a mutable 3-component vector. Rotation uses the same type with
// components interpreted as XYZ Euler angles in radians.
type Vector3 struct {
	X float64
	Y float64
	Z float64
}

// Set assigns all components and returns the receiver for chaining.
func (v *Vector3) Set(x, y, z float64) *Vector3 {
	v.X, v.Y, v.Z = x, y, z
	return v
}

// SetScalar assigns s to every component.
func (v *Vector3) SetScalar(s float64) *Vector3 {
	v.X, v.Y, v.Z = s, s, s
	return v
}

// Copy assigns the components of o.
func (v *Vector3) Copy(o *Vector3) *Vector3 {
	if o != nil {
		v.X, v.Y, v.Z = o.X, o.Y, o.Z
	}
	return v
}

// Length returns the Euclidean norm.
func (v *Vector3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v *Vector3) finite() bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// Quaternion converts XYZ Euler angles to a unit quaternion [x, y, z, w].
func (v *Vector3) Quaternion() [4]float64 {
	c1, s1 := math.Cos(v.X/2), math.Sin(v.X/2)
	c2, s2 := math.Cos(v.Y/2), math.Sin(v.Y/2)
	c3, s3 := math.Cos(v.Z/2), math.Sin(v.Z/2)
	return [4]float64{
		s1*c2*c3 + c1*s2*s3,
		c1*s2*c3 - s1*c2*s3,
		c1*c2*s3 + s1*s2*c3,
		c1*c2*c3 - s1*s2*s3,
	}
}

// Material sides.
const (
	FrontSide  = 0
	BackSide   = 1
	DoubleSide = 2
)

// Material describes the surface of a mesh.
type Material struct {
	Type        string
	Name        string
	Color       *Color
	Emissive    *Color
	Roughness   float64
	Metalness   float64
	Opacity     float64
	Transparent bool
	Side        int
}

// Clone returns a copy that shares nothing with m.
func (m *Material) Clone() *Material {
	cp := *m
	if m.Color != nil {
		cp.Color = m.Color.Clone()
	}
	if m.Emissive != nil {
		cp.Emissive = m.Emissive.Clone()
	}
	return &cp
}

// Dispose is a no-op kept for scene code written against GPU-backed libraries.
func (m *Material) Dispose() {}

// NewStandardMaterial returns a PBR material with three.js-like defaults.
func NewStandardMaterial() *Material {
	return &Material{
		Type:      "MeshStandardMaterial",
		Color:     NewColor(1, 1, 1),
		Roughness: 1,
		Metalness: 0,
		Opacity:   1,
	}
}

// NewBasicMaterial returns an unlit-looking material (exported as fully rough, non-metallic).
func NewBasicMaterial() *Material {
	m := NewStandardMaterial()
	m.Type = "MeshBasicMaterial"
	return m
}

// Node is an element of the scene graph. Scenes and groups only carry a
// transform and children; meshes additionally carry geometry and material.
type Node struct {
	Name          string
	Type          Kind
	Visible       bool
	Position      *Vector3
	Rotation      *Vector3
	Scale         *Vector3
	Geometry      *Geometry
	Material      *Material
	Children      []*Node
	CastShadow    bool
	ReceiveShadow bool
	UserData      map[string]any

	parent *Node
}

func newNode(kind Kind) *Node {
	return &Node{
		Type:     kind,
		Visible:  true,
		Position: &Vector3{},
		Rotation: &Vector3{},
		Scale:    &Vector3{X: 1, Y: 1, Z: 1},
		UserData: map[string]any{},
	}
}

// NewScene creates an empty root node.
func NewScene() *Node { return newNode(KindScene) }

// NewGroup creates an empty transform node.
func NewGroup() *Node { return newNode(KindGroup) }

// NewMesh creates a mesh node. A nil material gets a default standard material.
func NewMesh(geometry *Geometry, material *Material) *Node {
	n := newNode(KindMesh)
	n.Geometry = geometry
	if material == nil {
		material = NewStandardMaterial()
	}
	n.Material = material
	return n
}

// IsMesh reports whether the node renders geometry.
func (n *Node) IsMesh() bool { return n.Type == KindMesh }

// Add attaches children, detaching them from any previous parent.
// Adding a node to itself or to one of its descendants is ignored.
func (n *Node) Add(children ...*Node) *Node {
	for _, c := range children {
		if c == nil || c == n || c.isAncestorOf(n) {
			continue
		}
		if c.parent != nil {
			c.parent.Remove(c)
		}
		c.parent = n
		n.Children = append(n.Children, c)
	}
	return n
}

// Remove detaches the given children.
func (n *Node) Remove(children ...*Node) *Node {
	for _, c := range children {
		for i, existing := range n.Children {
			if existing == c {
				n.Children = append(n.Children[:i], n.Children[i+1:]...)
				c.parent = nil
				break
			}
		}
	}
	return n
}

func (n *Node) isAncestorOf(other *Node) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

// Clone copies the node and, when recursive, its subtree. Geometry and
// material are shared with the original, as in most scene libraries.
func (n *Node) Clone(recursive ...bool) *Node {
	return n.clone(len(recursive) == 0 || recursive[0], make(map[*Node]bool))
}

func (n *Node) clone(deep bool, seen map[*Node]bool) *Node {
	seen[n] = true
	cp := newNode(n.Type)
	cp.Name = n.Name
	cp.Visible = n.Visible
	cp.Position.Copy(n.Position)
	cp.Rotation.Copy(n.Rotation)
	cp.Scale.Copy(n.Scale)
	cp.Geometry = n.Geometry
	cp.Material = n.Material
	cp.CastShadow = n.CastShadow
	cp.ReceiveShadow = n.ReceiveShadow
	for k, v := range n.UserData {
		cp.UserData[k] = v
	}
	if deep {
		for _, c := range n.Children {
			if c == nil || seen[c] {
				continue
			}
			cp.Add(c.clone(true, seen))
		}
	}
	return cp
}

// Traverse visits n and every descendant depth-first. Each node is visited
// once; empty child slots are skipped.
func (n *Node) Traverse(fn func(*Node)) {
	_ = n.walk(false, func(c *Node) error {
		fn(c)
		return nil
	})
}

// walk is an iterative pre-order traversal. In strict mode empty slots,
// repeated nodes and nesting beyond MaxDepth are errors.
func (n *Node) walk(strict bool, fn func(*Node) error) error {
	if n == nil {
		return nil
	}
	type frame struct {
		node  *Node
		depth int
	}
	seen := make(map[*Node]bool)
	stack := []frame{{node: n}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[f.node] {
			if strict {
				return fmt.Errorf("%w: %q", ErrRepeatedNode, f.node.Name)
			}
			continue
		}
		seen[f.node] = true
		if strict && f.depth > MaxDepth {
			return ErrTooDeep
		}
		if err := fn(f.node); err != nil {
			return err
		}
		for i := len(f.node.Children) - 1; i >= 0; i-- {
			c := f.node.Children[i]
			if c == nil {
				if strict {
					return fmt.Errorf("%w under %q", ErrNilChild, f.node.Name)
				}
				continue
			}
			stack = append(stack, frame{node: c, depth: f.depth + 1})
		}
	}
	return nil
}

// MeshCount returns the number of visible meshes with geometry.
func (n *Node) MeshCount() int {
	count := 0
	n.Traverse(func(c *Node) {
		if c.IsMesh() && c.Visible && c.Geometry != nil {
			count++
		}
	})
	return count
}

// Validate rejects graphs that cannot be exported: empty child slots,
// nodes reachable more than once, excessive nesting, non-finite transforms
// and inconsistent geometry.
func (n *Node) Validate() error {
	return n.walk(true, func(c *Node) error {
		for _, v := range []*Vector3{c.Position, c.Rotation, c.Scale} {
			if v == nil || !v.finite() {
				return fmt.Errorf("node %q has a non-finite transform", c.Name)
			}
		}
		if c.IsMesh() && c.Geometry != nil {
			if err := c.Geometry.Validate(); err != nil {
				return fmt.Errorf("mesh %q: %w", c.Name, err)
			}
		}
		return nil
	})
}
