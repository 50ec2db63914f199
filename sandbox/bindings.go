package sandbox

import (
	"errors"
	"math"

	"github.com/BaSui01/sceneforge/scene"
	"github.com/dop251/goja"
)

// =============================================================================
// 场景库绑定
// =============================================================================

type constructor func(call goja.ConstructorCall) any

// sceneModule builds the object returned by require("three").
func (r *run) sceneModule() goja.Value {
	vm := r.vm
	m := vm.NewObject()

	define := func(names []string, build constructor) {
		ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
			return vm.ToValue(build(call)).(*goja.Object)
		})
		for _, name := range names {
			_ = m.Set(name, ctor)
		}
	}

	define([]string{"Scene"}, func(goja.ConstructorCall) any { return scene.NewScene() })
	define([]string{"Group", "Object3D"}, func(goja.ConstructorCall) any { return scene.NewGroup() })
	// lights and cameras carry a transform only
	define([]string{
		"AmbientLight", "DirectionalLight", "PointLight", "SpotLight", "HemisphereLight",
		"PerspectiveCamera", "OrthographicCamera",
	}, func(goja.ConstructorCall) any { return scene.NewGroup() })

	define([]string{"Mesh"}, func(call goja.ConstructorCall) any {
		geometry, _ := call.Argument(0).Export().(*scene.Geometry)
		if geometry == nil {
			panic(vm.NewTypeError("Mesh requires a geometry"))
		}
		return scene.NewMesh(geometry, r.materialArg(call.Argument(1)))
	})

	define([]string{"BoxGeometry", "BoxBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewBoxGeometry(floatArg(call, 0, 1), floatArg(call, 1, 1), floatArg(call, 2, 1))
	})
	define([]string{"SphereGeometry", "SphereBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewSphereGeometry(floatArg(call, 0, 1), intArg(call, 1, 32), intArg(call, 2, 16))
	})
	define([]string{"CylinderGeometry", "CylinderBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewCylinderGeometry(floatArg(call, 0, 1), floatArg(call, 1, 1), floatArg(call, 2, 1), intArg(call, 3, 32))
	})
	define([]string{"ConeGeometry", "ConeBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewConeGeometry(floatArg(call, 0, 1), floatArg(call, 1, 1), intArg(call, 2, 32))
	})
	define([]string{"PlaneGeometry", "PlaneBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewPlaneGeometry(floatArg(call, 0, 1), floatArg(call, 1, 1))
	})
	define([]string{"TorusGeometry", "TorusBufferGeometry"}, func(call goja.ConstructorCall) any {
		return scene.NewTorusGeometry(floatArg(call, 0, 1), floatArg(call, 1, 0.4), intArg(call, 2, 12), intArg(call, 3, 48))
	})

	define([]string{"MeshStandardMaterial", "MeshPhysicalMaterial", "MeshPhongMaterial", "MeshLambertMaterial"},
		func(call goja.ConstructorCall) any {
			return r.applyMaterialOptions(scene.NewStandardMaterial(), call.Argument(0))
		})
	define([]string{"MeshBasicMaterial"}, func(call goja.ConstructorCall) any {
		return r.applyMaterialOptions(scene.NewBasicMaterial(), call.Argument(0))
	})

	define([]string{"Color"}, func(call goja.ConstructorCall) any {
		c := scene.NewColor(1, 1, 1)
		switch {
		case len(call.Arguments) >= 3:
			c.SetRGB(floatArg(call, 0, 0), floatArg(call, 1, 0), floatArg(call, 2, 0))
		case len(call.Arguments) == 1:
			c.Set(call.Argument(0).Export())
		}
		return c
	})
	define([]string{"Vector3"}, func(call goja.ConstructorCall) any {
		return &scene.Vector3{X: floatArg(call, 0, 0), Y: floatArg(call, 1, 0), Z: floatArg(call, 2, 0)}
	})

	mathUtils := vm.NewObject()
	_ = mathUtils.Set("degToRad", func(deg float64) float64 { return deg * math.Pi / 180 })
	_ = mathUtils.Set("radToDeg", func(rad float64) float64 { return rad * 180 / math.Pi })
	_ = mathUtils.Set("clamp", func(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) })
	_ = mathUtils.Set("lerp", func(a, b, t float64) float64 { return a + (b-a)*t })
	_ = m.Set("MathUtils", mathUtils)

	_ = m.Set("FrontSide", scene.FrontSide)
	_ = m.Set("BackSide", scene.BackSide)
	_ = m.Set("DoubleSide", scene.DoubleSide)
	_ = m.Set("default", m)
	return m
}

// materialArg accepts a material, an array of materials (first one wins)
// or nothing.
func (r *run) materialArg(v goja.Value) *scene.Material {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch val := v.Export().(type) {
	case *scene.Material:
		return val
	case []any:
		for _, item := range val {
			if m, ok := item.(*scene.Material); ok {
				return m
			}
		}
	}
	panic(r.vm.NewTypeError("Mesh material must be a material"))
}

func (r *run) applyMaterialOptions(m *scene.Material, opts goja.Value) *scene.Material {
	obj, ok := opts.(*goja.Object)
	if !ok {
		return m
	}
	get := func(name string) (goja.Value, bool) {
		v := obj.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, false
		}
		return v, true
	}
	if v, ok := get("color"); ok {
		m.Color.Set(v.Export())
	}
	if v, ok := get("emissive"); ok {
		m.Emissive = scene.NewColor(0, 0, 0).Set(v.Export())
	}
	if v, ok := get("roughness"); ok {
		m.Roughness = v.ToFloat()
	}
	if v, ok := get("metalness"); ok {
		m.Metalness = v.ToFloat()
	}
	if v, ok := get("opacity"); ok {
		m.Opacity = v.ToFloat()
	}
	if v, ok := get("transparent"); ok {
		m.Transparent = v.ToBoolean()
	}
	if v, ok := get("side"); ok {
		m.Side = int(v.ToInteger())
	}
	if v, ok := get("name"); ok {
		m.Name = v.String()
	}
	return m
}

func floatArg(call goja.ConstructorCall, i int, def float64) float64 {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	f := v.ToFloat()
	if math.IsNaN(f) {
		return def
	}
	return f
}

func intArg(call goja.ConstructorCall, i int, def int) int {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return def
	}
	return int(v.ToInteger())
}

// =============================================================================
// 导出器绑定
// =============================================================================

// exporterModule builds the object returned by require of the exporter path.
func (r *run) exporterModule() goja.Value {
	vm := r.vm
	m := vm.NewObject()
	ctor := vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("parse", r.exporterParse)
		_ = call.This.Set("parseAsync", r.exporterParseAsync)
		return call.This
	})
	_ = m.Set("GLTFExporter", ctor)
	_ = m.Set("default", ctor)
	return m
}

// exporterParse implements parse(input, onDone, onError, options) and the
// older parse(input, onDone, options) form.
func (r *run) exporterParse(call goja.FunctionCall) goja.Value {
	onDone, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(r.vm.NewTypeError("GLTFExporter.parse requires an onDone callback"))
	}
	onErr, hasOnErr := goja.AssertFunction(call.Argument(2))
	opts := call.Argument(3)
	if !hasOnErr {
		opts = call.Argument(2)
	}

	result, err := r.export(call.Argument(0), binaryOption(opts))
	if err != nil {
		if hasOnErr {
			if _, cbErr := onErr(goja.Undefined(), r.vm.NewGoError(err)); cbErr != nil {
				panic(cbErr)
			}
			return goja.Undefined()
		}
		panic(r.vm.NewGoError(err))
	}
	if _, err := onDone(goja.Undefined(), result); err != nil {
		panic(err)
	}
	return goja.Undefined()
}

func (r *run) exporterParseAsync(call goja.FunctionCall) goja.Value {
	p, resolve, reject := r.vm.NewPromise()
	result, err := r.export(call.Argument(0), binaryOption(call.Argument(1)))
	if err != nil {
		reject(r.vm.NewGoError(err))
	} else {
		resolve(result)
	}
	return r.vm.ToValue(p)
}

func binaryOption(opts goja.Value) bool {
	obj, ok := opts.(*goja.Object)
	if !ok {
		return false
	}
	v := obj.Get("binary")
	return v != nil && v.ToBoolean()
}

// export returns an ArrayBuffer holding GLB, or the glTF JSON as an object.
func (r *run) export(input goja.Value, binary bool) (goja.Value, error) {
	root, err := r.sceneRoot(input)
	if err != nil {
		return nil, err
	}
	if binary {
		data, err := scene.ExportGLB(root)
		if err != nil {
			return nil, err
		}
		return r.vm.ToValue(r.vm.NewArrayBuffer(data)), nil
	}
	data, err := scene.ExportJSON(root)
	if err != nil {
		return nil, err
	}
	doc, err := r.jsonParse(goja.Undefined(), r.vm.ToValue(string(data)))
	if err != nil {
		return nil, errors.New("exporter produced invalid JSON")
	}
	return doc, nil
}
