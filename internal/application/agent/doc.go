// Package agent runs the agent tool-calling loop.
//
// Each pass validates new inbound content, calls the language model with the
// thread history and the agent's tool schemas, and either finishes with a
// final answer or dispatches the requested tool calls concurrently under
// their timeout budgets. Tool failures are surfaced to the model as
// structured results unless the tool type's policy is fatal.
package agent
