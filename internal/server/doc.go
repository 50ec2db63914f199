// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理。

Manager 封装 net/http.Server，负责监听、后台服务、异步错误传播
与限时优雅关闭。Run 适合放进 errgroup：ctx 结束时排空请求并返回，
服务异常退出时返回错误，使同组的其他服务一起停止。SceneForge 用它
分别承载业务 API 与 Prometheus 指标端口。
*/
package server
