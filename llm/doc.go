// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供场景代码生成所需的大语言模型接入层。

# 概述

[Provider] 屏蔽不同模型服务商在接口、鉴权与错误语义上的差异；
[CodeGenerator] 在其之上完成"提示词 -> 可执行场景代码"的转换：
按 modelRef 选择 Provider，带退避重试地调用补全接口，
并从模型回复中提取代码块。

# 核心类型

  - [Provider]：补全与健康检查
  - [Error]：带错误码和可重试标记的统一错误
  - [ProviderGenerator]：基于 Provider 注册表的 [CodeGenerator] 实现
  - [ExtractCode]：从 Markdown 回复中提取 JavaScript 代码

# 相关子包

  - llm/providers/openaicompat：OpenAI Chat Completions 兼容实现
  - llm/retry：指数退避重试
*/
package llm
