// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SceneForge HTTP API 的请求处理器实现。

# 概述

handlers 包实现对象生成、查询、取消、删除、事件推送与健康检查端点。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的方法与路径模式，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - ObjectHandler: 对象任务的创建、等待、取消以及代码与 GLB 资产读取
  - HealthHandler: 服务健康检查（/health, /healthz, /ready, /version）
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo: 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码，支持 Unwrap
  - HealthCheck: 可插拔健康检查接口（存储、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（大小限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 任务事件流：/api/v1/objects/{id}/events 通过 WebSocket 推送 JSON 事件，
    任务结束后以正常关闭码断开
*/
package handlers
