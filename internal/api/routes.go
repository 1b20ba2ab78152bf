package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Graphs
	mux.Handle("POST /api/v1/graphs", chain(http.HandlerFunc(h.SubmitGraph)))

	// Tasks
	mux.Handle("GET /api/v1/tasks", chain(http.HandlerFunc(h.ListTasks)))
	mux.Handle("GET /api/v1/tasks/{name}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("DELETE /api/v1/tasks/{name}", chain(http.HandlerFunc(h.DeleteTask)))
	mux.Handle("POST /api/v1/tasks/{name}/cancel", chain(http.HandlerFunc(h.CancelTask)))
	mux.Handle("POST /api/v1/tasks/{name}/mode", chain(http.HandlerFunc(h.SetTaskMode)))
	mux.Handle("POST /api/v1/tasks/{name}/rollback", chain(http.HandlerFunc(h.TriggerRollback)))
	mux.Handle("POST /api/v1/tasks/{name}/reset", chain(http.HandlerFunc(h.ResetTask)))
	mux.Handle("POST /api/v1/tasks/{name}/dispose", chain(http.HandlerFunc(h.DisposeTask)))
	mux.Handle("DELETE /api/v1/tasks/{name}/constraint", chain(http.HandlerFunc(h.ClearConstraint)))

	// Callbacks
	mux.Handle("POST /api/v1/tasks/{name}/accept", chain(http.HandlerFunc(h.AcceptCallback)))
	mux.Handle("POST /api/v1/tasks/{name}/fail", chain(http.HandlerFunc(h.FailCallback)))
	mux.Handle("POST /api/v1/tasks/{name}/beat", chain(http.HandlerFunc(h.BeatCallback)))

	// Queues
	mux.Handle("GET /api/v1/queues/{queue}/concurrency", chain(http.HandlerFunc(h.GetConcurrency)))
	mux.Handle("PUT /api/v1/queues/{queue}/concurrency", chain(http.HandlerFunc(h.SetConcurrency)))
	mux.Handle("GET /api/v1/queues/{queue}/running", chain(http.HandlerFunc(h.GetRunning)))
	mux.Handle("POST /api/v1/queues/{queue}/poke", chain(http.HandlerFunc(h.PokeQueue)))
	mux.Handle("POST /api/v1/queues/sync", chain(http.HandlerFunc(h.SyncCounters)))

	// Maintenance
	mux.Handle("POST /api/v1/clean", chain(http.HandlerFunc(h.TryClean)))
	mux.Handle("POST /api/v1/clear", chain(http.HandlerFunc(h.ClearAll)))
}
