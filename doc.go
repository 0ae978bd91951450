// Package kiln is an agent orchestration kernel: a runtime that executes
// LLM-driven agents and deterministic task graphs under strict governance,
// producing an append-only event log that fully describes every run.
//
// The kernel is a substrate, not an application. It owns the event log
// (the single source of truth), the linear and DAG workflow engines, the
// recursive LM executor with its sandboxed interpreter, the tool-calling
// agent executor, the governance stack (budgets, permissions, stop
// conditions, concurrency limits), the replay engine, and the memory
// derivation layer. Concrete LLM transports, tool bodies, and any network
// surface live outside the kernel and plug in through the Provider, Tool,
// and EventLog interfaces.
//
// Every run is identified by an opaque run ID and owns a dense event
// sequence starting at seq 0. Executors allocate sequence numbers through
// an Emitter; the log only persists. Budget check, tool call, output
// validation, and event append form the universal inner loop.
package kiln
