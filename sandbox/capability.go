package sandbox

import (
	"fmt"
	"sort"
)

// Capability is a module the sandbox can hand to scene code. The set is
// closed: adding one means adding a constant, an alias and a case in
// run.module.
type Capability int

const (
	// CapabilityScene is the scene graph library.
	CapabilityScene Capability = iota + 1
	// CapabilityGLTFExporter is the binary asset exporter.
	CapabilityGLTFExporter
)

func (c Capability) String() string {
	switch c {
	case CapabilityScene:
		return "scene"
	case CapabilityGLTFExporter:
		return "gltf-exporter"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// capabilityAliases maps the module identifiers scene code may pass to
// require onto capabilities. Anything else is denied.
var capabilityAliases = map[string]Capability{
	"three": CapabilityScene,
	"three/examples/jsm/exporters/GLTFExporter.js": CapabilityGLTFExporter,
	"three/addons/exporters/GLTFExporter.js":       CapabilityGLTFExporter,
}

// ResolveCapability maps a module identifier to its capability.
func ResolveCapability(id string) (Capability, bool) {
	c, ok := capabilityAliases[id]
	return c, ok
}

// Capabilities lists every capability the sandbox provides.
func Capabilities() []Capability {
	return []Capability{CapabilityScene, CapabilityGLTFExporter}
}

// ModuleIDs returns the accepted identifiers for c.
func ModuleIDs(c Capability) []string {
	var ids []string
	for id, target := range capabilityAliases {
		if target == c {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
