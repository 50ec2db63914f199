package generation

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"github.com/BaSui01/sceneforge/sandbox"
)

//go:embed templates/instructions.tmpl
var templateFS embed.FS

var instructions = template.Must(
	template.New("instructions.tmpl").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(templateFS, "templates/instructions.tmpl"),
)

// sceneClasses 提示词中列出的场景库类，均由沙箱绑定提供
var sceneClasses = []string{
	"Scene", "Group", "Mesh",
	"BoxGeometry", "SphereGeometry", "CylinderGeometry", "ConeGeometry", "PlaneGeometry", "TorusGeometry",
	"MeshStandardMaterial", "MeshBasicMaterial", "Color", "Vector3", "MathUtils",
}

type instructionData struct {
	GenerationProps
	SceneClasses   []string
	ExporterModule string
}

// RenderInstructions 把生成参数渲染为发送给模型的提示词
func RenderInstructions(props GenerationProps) (string, error) {
	props, err := props.Normalize()
	if err != nil {
		return "", err
	}
	data := instructionData{
		GenerationProps: props,
		SceneClasses:    sceneClasses,
		ExporterModule:  sandbox.ModuleIDs(sandbox.CapabilityGLTFExporter)[0],
	}
	var buf bytes.Buffer
	if err := instructions.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
