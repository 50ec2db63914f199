// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，支持连接池、健康检查与可选 TLS。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/HGet/HSet/Delete/Exists 等基础操作。
  - ContentCache：已持久化资产的缓存，每个对象一个哈希键，
    字段为版本号，失效时整键删除。
  - Config：缓存配置，包含地址、密码、连接池大小、默认 TTL、
    TLS 开关、键前缀与单条上限。

# 错误语义

未命中返回 ErrCacheMiss，可用 IsCacheMiss 判断；
ContentCache.Get 未命中时返回 (nil, nil)。
*/
package cache
