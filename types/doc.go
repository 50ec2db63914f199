// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 SceneForge 的跨包共享类型。

不依赖任何内部包，供 api/handlers 与 cmd/sceneforge 使用：

  - Error / ErrorCode: API 边界的结构化错误，含 HTTP 状态码与 Retryable 标记
  - WithRequestID / RequestID: 请求 ID 在 context 中的传播
  - WithSubject / Subject: JWT 认证主体在 context 中的传播
*/
package types
