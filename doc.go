// Package orbit is an agent runtime core: the orchestration engine that turns
// agent requests into responses through a layered pipeline of session
// management, middleware, and model-backed execution.
//
// The module is organized around seven cooperating subsystems:
//
//   - metrics: a concurrency-safe collector for counters, gauges, histograms,
//     and timers, with point-in-time snapshots and an optional OTEL bridge.
//   - hooks: an in-process publish/subscribe event bus with per-type
//     subscriptions, bounded concurrent dispatch, and ring-buffered history.
//   - session: durable sessions and checkpoints on top of a pluggable
//     key-value Store (in-memory, Redis, or Mongo backed).
//   - middleware: an onion-model pipeline of prioritized middlewares with
//     short-circuit and post-processing semantics.
//   - executor: the per-request orchestrator weaving memory, middleware,
//     model calls, events, metrics, retry, and cancellation together.
//   - factory: configured executor construction from validated templates.
//   - callback: adaptation of streaming model callbacks into bus events and
//     a bounded debug ring.
//
// The LLM client, tool registry, and memory implementations are external
// collaborators; the model, tools, and memory packages define the contracts
// the runtime consumes, along with in-memory implementations for wiring and
// tests.
package orbit
