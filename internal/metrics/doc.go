// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、模型调用、沙箱、生成任务、缓存与存储六个维度。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。它同时实现各业务包
    定义的观察者接口，由组装代码注入。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 模型指标：调用次数（含重试）、调用耗时、Token 用量。
  - 沙箱指标：按结果分类统计执行次数与耗时。
  - 任务指标：终态计数与耗时、在途任务数、结果写入失败次数。
  - 缓存指标：命中与未命中计数。
  - 存储指标：操作次数与耗时、连接池状态。
*/
package metrics
