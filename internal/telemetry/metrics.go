package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики контроллера.
var (
	// Transitions — выполненные переходы состояний.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rex_transitions_total",
		Help: "Task state transitions committed by the controller",
	}, []string{"from", "to"})

	// TxConflicts — конфликты версий, после которых транзакция повторялась.
	TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rex_tx_conflicts_total",
		Help: "Store version conflicts that caused a transaction retry",
	})

	// TxRetriesExhausted — транзакции, исчерпавшие попытки.
	TxRetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rex_tx_retries_exhausted_total",
		Help: "Transactions that failed after exhausting the retry budget",
	})

	// RemoteCalls — вызовы удалённых систем.
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rex_remote_calls_total",
		Help: "Remote HTTP calls by kind and outcome",
	}, []string{"kind", "outcome"})

	// QueueRunning — значение счётчика running по очередям.
	QueueRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rex_queue_running",
		Help: "Tasks occupying a slot of the queue",
	}, []string{"queue"})

	// QueueCounterDrift — попытки опустить счётчик running ниже нуля.
	QueueCounterDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rex_queue_counter_drift_total",
		Help: "Running counter decrements clamped at zero",
	}, []string{"queue"})

	// QueueMaximum — лимит параллелизма по очередям.
	QueueMaximum = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rex_queue_maximum",
		Help: "Configured concurrency limit of the queue",
	}, []string{"queue"})

	// ClusterJobsActive — контрольные job, запланированные на этом узле.
	ClusterJobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rex_cluster_jobs_active",
		Help: "Supervisory jobs scheduled on this instance",
	}, []string{"type"})

	// EffectsDispatched — выполненные отложенные эффекты.
	EffectsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rex_effects_dispatched_total",
		Help: "Deferred effects executed after commit",
	}, []string{"kind", "outcome"})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rex_api_http_requests_total",
		Help: "HTTP requests handled by the API",
	}, []string{"method", "status"})
)

// QueueLabel возвращает метку очереди (очередь по умолчанию — "default").
func QueueLabel(queue string) string {
	if queue == "" {
		return "default"
	}
	return queue
}
