// Package tools dispatches agent tool calls.
//
// Builtin tools are Go functions registered by name. Every other tool type
// (mcp, knowledge_base, agent) is routed to a provider registered for that
// type. Arguments are checked against the tool's JSON schema before dispatch.
package tools
