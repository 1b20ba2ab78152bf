// Package telemetry обеспечивает наблюдаемость контроллера.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики переходов, очередей и удалённых вызовов
//
// Все процессы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
