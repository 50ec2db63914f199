// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 SceneForge 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，环境变量
// 使用 SCENEFORGE_ 前缀并按结构体层级拼接，例如
// SCENEFORGE_SANDBOX_TIMEOUT=15s。Watcher 轮询配置文件，
// 内容变化后重新加载并通知订阅者，服务据此热更新日志级别。
package config
