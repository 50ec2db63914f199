// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理与 SQLite 打开辅助，
支持健康检查、统计信息采集与事务重试。

# 概述

本包通过 PoolManager 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期与最大连接数限制。后台健康检查定时探活，
Close 时同步停止。OpenSQLite 使用纯 Go 的 glebarez/sqlite 驱动
打开单文件数据库，外键约束始终开启，可选 WAL 与 busy_timeout。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：连接池配置，Validate 校验数值关系。
  - SQLiteOptions：SQLite 打开参数。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 事务管理：WithTransaction 单次执行，WithTransactionRetry
    在 SQLITE_BUSY、死锁、序列化失败时指数退避重试。
  - 统计采集：GetStats 返回结构化的连接池运行指标。
*/
package database
