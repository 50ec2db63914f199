// Package fixtures 提供测试用的场景脚本与模型回复样例。
package fixtures

import "fmt"

// RedCubeScript 生成一个红色立方体并通过 onSuccess 返回场景
const RedCubeScript = `
const THREE = require('three');
const scene = new THREE.Scene();
const material = new THREE.MeshStandardMaterial({ color: 0xff0000, roughness: 0.5 });
const cube = new THREE.Mesh(new THREE.BoxGeometry(1, 1, 1), material);
cube.name = 'cube';
cube.position.set(0, 0.5, 0);
scene.add(cube);
onSuccess(scene);
`

// ExporterScript 使用导出器自行生成二进制 glTF
const ExporterScript = `
const THREE = require('three');
const { GLTFExporter } = require('three/addons/exporters/GLTFExporter.js');
const scene = new THREE.Scene();
scene.add(new THREE.Mesh(new THREE.SphereGeometry(0.5, 16, 8), new THREE.MeshStandardMaterial({ color: 0x3366ff })));
new GLTFExporter().parse(scene, (glb) => onSuccess(glb), (err) => onError(err), { binary: true });
`

// ThrowingScript 抛出未捕获异常
const ThrowingScript = `throw new Error("boom");`

// ErrorCallbackScript 通过 onError 报告失败
const ErrorCallbackScript = `onError("model could not be built");`

// DeniedScript 请求未授权的模块
const DeniedScript = `const fs = require('fs'); fs.readFileSync('/etc/passwd');`

// InfiniteLoopScript 永不返回
const InfiniteLoopScript = `while (true) {}`

// NoResultScript 正常结束但从不回调
const NoResultScript = `const THREE = require('three'); new THREE.Scene();`

// FencedReply 把代码包装成模型常见的 markdown 回复
func FencedReply(code string) string {
	return fmt.Sprintf("Here is the scene:\n\n```javascript\n%s\n```\n", code)
}
