// Package telemetry обеспечивает наблюдаемость publisher и consumer.
//
// Включает:
//   - logging.go — structured logging через slog (component, op, source)
//   - metrics.go — Prometheus метрики
//
// Consumer экспортирует метрики на /metrics endpoint.
package telemetry
