// Package openaicompat implements llm.Provider for the OpenAI Chat
// Completions wire format.
//
// Any service that exposes /v1/chat/completions (OpenAI, DeepSeek, Qwen,
// self-hosted gateways) is configured by name, base URL and default model:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "deepseek",
//	    APIKey:       cfg.APIKey,
//	    BaseURL:      "https://api.deepseek.com",
//	    DefaultModel: "deepseek-chat",
//	}, logger)
package openaicompat
