// Package audit records capability decisions.
//
// AsyncLogger decouples the check path from sink I/O: Emit never blocks, a full
// queue drops the record and counts it, and sink failures are logged but never
// reach the caller of a check. Identical records inside the dedup window are
// suppressed.
//
// Sinks: ZapSink (structured log), JSONSink (JSON lines), RedisSink (Redis stream),
// MultiSink (fan-out) and MemorySink.
package audit
