// Package llm provides LLM client implementations.
//
// The factory builds a Router holding one caller per configured provider.
// Requests are routed by their Provider field, falling back to the default.
// Supported providers:
//   - anthropic: Anthropic Messages API
//   - openai: OpenAI Chat Completions API
package llm
