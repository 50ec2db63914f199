// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package testutil 提供 SceneForge 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，自动注册 Cleanup
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel，
    超时轮询等待条件满足
  - 资产断言: RequireGLB / RequireMeshCount，用 qmuntal/gltf 解码 GLB

# 子包

  - testutil/mocks: 代码生成器与模型 Provider 的模拟实现，
    支持 Builder 模式、错误注入与调用闸门
  - testutil/fixtures: 预置的场景脚本样例

# 使用示例

	gen := mocks.NewMockGenerator().WithCode(fixtures.RedCubeScript)
	code, err := gen.GenerateCode(ctx, "a red cube", "", nil)
*/
package testutil
