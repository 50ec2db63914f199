// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 sandbox 在嵌入式 JavaScript 运行时中执行模型生成的场景代码，
并把代码交回的场景对象导出为 GLB 资产。

# 隔离模型

每次执行都创建全新的 goja Runtime，在受限的协程池工作协程上运行。
执行前会删除进程、定时器、网络与动态代码生成相关的全局对象，
并锁定各类函数原型上的 constructor。require 只能解析封闭能力表中的
模块标识符（场景库与 GLTF 导出器），其余标识符一律拒绝。

# 导出桥

场景代码通过 onSuccess(value) 或 onError(err) 交回结果，只有第一次
调用生效。onSuccess 接受场景节点或已经是 GLB 的二进制数据。

# 超时与失败分类

运行时内部通过 Interrupt 强制超时，宿主侧另有一层墙钟上限。
所有失败都以 FailureClass 表示，执行器只对非法请求返回 error。
*/
package sandbox
