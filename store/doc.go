// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 store 提供按 (task_id, version) 版本化的生成结果持久化。

# 概述

每个存储目录对应一个 SQLite 数据文件（sceneforge.db）和一个
schema 校验和文件（schema.sha256，纯文本十六进制摘要）。Initialize
在校验和不一致、或数据库已有表却缺少校验和文件时直接失败，
不会尝试修改已有 schema。

# 核心类型

  - Store：结果存储，AddResult 在单个事务内同时 upsert 任务行与结果行。
  - Task / Result：持久化行模型。
  - TaskDetail / ResultSummary：任务及其版本摘要。
  - ResultCode / ResultContent：按版本读取代码或二进制产物。

# 不变量

  - Result.MimeType 与 Result.Blob 同时为空或同时非空，写入前校验。
  - (task_id, version) 唯一，重复写入原地覆盖。
  - 最新版本按 started_at 倒序，其次按行 id 倒序。
  - DeleteTask 级联删除全部结果。
*/
package store
