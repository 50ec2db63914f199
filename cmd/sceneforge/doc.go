// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 SceneForge 服务端程序入口。

# 概述

cmd/sceneforge 是 SceneForge 的可执行入口，提供 HTTP API 服务、
本地脚本执行、令牌签发、健康检查和版本查询等子命令。程序支持 YAML
配置文件加载、结构化日志（zap）、Prometheus 指标采集以及日志级别热更新。

# 核心类型

  - Server: 主服务器，装配存储、沙箱、模型、缓存与 Designer，管理 HTTP 与 Metrics 双端口
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、exec（沙箱执行本地脚本并写出 GLB）、token、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、Tracing、Metrics、
    RequestLogger、CORS、JWTAuth（HS256 Bearer）、RateLimiter（按主体或 IP）
  - 配置监听：Watcher 检测文件变更，日志级别即时生效
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号 → 取消在途任务 → 关闭 HTTP → 关闭缓存、执行池、存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
