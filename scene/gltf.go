package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/sceneforge/internal/pool"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// GLBMimeType is the media type of binary glTF assets.
const GLBMimeType = "model/gltf-binary"

// ErrEmptyScene is returned when a graph contains no exportable meshes.
var ErrEmptyScene = errors.New("scene contains no meshes")

const generator = "sceneforge"

// ExportGLB serializes the graph rooted at root into a binary glTF 2.0 asset.
func ExportGLB(root *Node) ([]byte, error) {
	doc, err := buildDocument(root)
	if err != nil {
		return nil, err
	}
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	enc := gltf.NewEncoder(buf)
	enc.AsBinary = true
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode glb: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// ExportJSON serializes the graph as glTF JSON with buffers embedded as data URIs.
func ExportJSON(root *Node) ([]byte, error) {
	doc, err := buildDocument(root)
	if err != nil {
		return nil, err
	}
	for _, b := range doc.Buffers {
		b.URI = "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(b.Data)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode gltf json: %w", err)
	}
	return data, nil
}

// IsGLB reports whether data starts with a binary glTF 2.0 header whose
// declared length matches the payload.
func IsGLB(data []byte) bool {
	if len(data) < 12 || string(data[:4]) != "glTF" {
		return false
	}
	if binary.LittleEndian.Uint32(data[4:8]) != 2 {
		return false
	}
	return int(binary.LittleEndian.Uint32(data[8:12])) == len(data)
}

type exporter struct {
	doc       *gltf.Document
	materials map[*Material]int
	meshes    map[meshKey]int
	visited   map[*Node]bool
}

type meshKey struct {
	geometry *Geometry
	material *Material
}

func buildDocument(root *Node) (*gltf.Document, error) {
	if root == nil {
		return nil, errors.New("nil scene root")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	if root.MeshCount() == 0 {
		return nil, ErrEmptyScene
	}

	e := &exporter{
		doc:       gltf.NewDocument(),
		materials: make(map[*Material]int),
		meshes:    make(map[meshKey]int),
		visited:   make(map[*Node]bool),
	}
	e.doc.Asset.Generator = generator

	if root.Type == KindScene {
		// the scene itself maps to the glTF scene, its children become root nodes
		for _, c := range root.Children {
			if idx, ok := e.addNode(c); ok {
				e.doc.Scenes[0].Nodes = append(e.doc.Scenes[0].Nodes, idx)
			}
		}
		if root.Name != "" {
			e.doc.Scenes[0].Name = root.Name
		}
	} else if idx, ok := e.addNode(root); ok {
		e.doc.Scenes[0].Nodes = append(e.doc.Scenes[0].Nodes, idx)
	}
	return e.doc, nil
}

// addNode appends n and its subtree, skipping invisible nodes. A node is
// emitted at most once even if the graph was not validated.
func (e *exporter) addNode(n *Node) (int, bool) {
	if n == nil || !n.Visible || e.visited[n] {
		return 0, false
	}
	e.visited[n] = true
	node := &gltf.Node{
		Name:        n.Name,
		Translation: [3]float64{n.Position.X, n.Position.Y, n.Position.Z},
		Rotation:    n.Rotation.Quaternion(),
		Scale:       [3]float64{n.Scale.X, n.Scale.Y, n.Scale.Z},
	}
	if n.IsMesh() && n.Geometry != nil {
		node.Mesh = gltf.Index(e.mesh(n))
	}
	if len(n.UserData) > 0 {
		node.Extras = n.UserData
	}

	idx := len(e.doc.Nodes)
	e.doc.Nodes = append(e.doc.Nodes, node)
	for _, c := range n.Children {
		if childIdx, ok := e.addNode(c); ok {
			node.Children = append(node.Children, childIdx)
		}
	}
	return idx, true
}

func (e *exporter) mesh(n *Node) int {
	key := meshKey{geometry: n.Geometry, material: n.Material}
	if idx, ok := e.meshes[key]; ok {
		return idx
	}

	g := n.Geometry
	position := modeler.WritePosition(e.doc, g.Positions)
	normal := modeler.WriteNormal(e.doc, g.Normals)
	indices := modeler.WriteIndices(e.doc, g.Indices)

	primitive := &gltf.Primitive{
		Indices: gltf.Index(indices),
		Attributes: map[string]int{
			gltf.POSITION: position,
			gltf.NORMAL:   normal,
		},
	}
	if n.Material != nil {
		primitive.Material = gltf.Index(e.material(n.Material))
	}

	idx := len(e.doc.Meshes)
	e.doc.Meshes = append(e.doc.Meshes, &gltf.Mesh{
		Name:       n.Name,
		Primitives: []*gltf.Primitive{primitive},
	})
	e.meshes[key] = idx
	return idx
}

func (e *exporter) material(m *Material) int {
	if idx, ok := e.materials[m]; ok {
		return idx
	}

	color := [3]float64{1, 1, 1}
	if m.Color != nil {
		color = m.Color.Linear()
	}
	opacity := clamp01(m.Opacity)
	roughness, metalness := clamp01(m.Roughness), clamp01(m.Metalness)
	if m.Type == "MeshBasicMaterial" {
		roughness, metalness = 1, 0
	}

	mat := &gltf.Material{
		Name: m.Name,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorFactor: &[4]float64{color[0], color[1], color[2], opacity},
			MetallicFactor:  gltf.Float(metalness),
			RoughnessFactor: gltf.Float(roughness),
		},
	}
	if m.Transparent && opacity < 1 {
		mat.AlphaMode = gltf.AlphaBlend
	}
	if m.Emissive != nil {
		if em := m.Emissive.Linear(); em != [3]float64{} {
			mat.EmissiveFactor = em
		}
	}
	mat.DoubleSided = m.Side == DoubleSide

	idx := len(e.doc.Materials)
	e.doc.Materials = append(e.doc.Materials, mat)
	e.materials[m] = idx
	return idx
}
