// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package generation 编排"描述 -> 代码 -> 资产"的生成任务。

# 概述

Task 表示一次生成：渲染提示词、调用代码生成器、在沙箱中执行代码，
并把终态写入结果存储。状态单向推进 Queued -> Processing -> Succeeded|Failed，
终态迁移只发生一次，取消与正常完成竞争时先到者胜出。

Designer 是在途任务的注册表，同一 id 同时最多一个任务。它对外提供
AddTask、CancelTask、WaitForTaskEnded 以及合并持久化历史与在途任务的
GetObjectState、GetObjectCode、GetObjectContent、DeleteObject。

# 事件

每个任务按顺序发出 status_change、success 或 error、ended。
ended 在结果持久化之后恰好发出一次，Done 通道随后关闭。

# 使用示例

	d, _ := generation.NewDesigner(generation.DesignerConfig{
		Store:     st,
		Executor:  executor,
		Generator: generator,
	})
	task, err := d.AddTask(ctx, generation.TaskOptions{
		ID:    "chair",
		Props: generation.GenerationProps{Name: "chair", Description: "a wooden chair"},
	})
	outcome := <-task.Run(ctx)
*/
package generation
