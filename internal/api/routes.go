package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Tracing(),
		Logging(h.logger),
		RateLimit(h.rateLimitRPS, h.rateLimitBurst),
	)

	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, chain(fn))
	}

	mux.HandleFunc("GET /healthz", h.Health)

	const ws = "/api/v1/w/{workspace}"

	// Jobs
	handle("POST "+ws+"/jobs/run/p/{path...}", h.RunScript)
	handle("POST "+ws+"/jobs/run/f/{path...}", h.RunFlow)
	handle("POST "+ws+"/jobs/run/preview", h.RunPreview)
	handle("POST "+ws+"/jobs/run/preview_flow", h.RunFlowPreview)
	handle("GET "+ws+"/jobs/queue", h.ListQueue)
	handle("GET "+ws+"/jobs/completed", h.ListCompleted)
	handle("POST "+ws+"/jobs/cancel", h.CancelJobs)
	handle("GET "+ws+"/jobs/{id}", h.GetJob)
	handle("GET "+ws+"/jobs/{id}/result", h.GetResult)
	handle("GET "+ws+"/jobs/{id}/logs", h.GetLogs)
	handle("POST "+ws+"/jobs/{id}/cancel", h.CancelJob)
	handle("POST "+ws+"/jobs/{id}/resume", h.ResumeJob)

	// Triggers
	handle("POST "+ws+"/triggers", h.Trigger)
	handle("POST "+ws+"/deployments/events", h.DeploymentEvent)
	handle("GET "+ws+"/debounce/buckets/{id}", h.GetBucket)

	// Scripts
	handle("POST "+ws+"/scripts", h.CreateScript)
	handle("GET "+ws+"/scripts", h.ListScripts)
	handle("GET "+ws+"/scripts/h/{hash}", h.GetScriptByHash)
	handle("GET "+ws+"/scripts/p/{path...}", h.GetScript)

	// Flows
	handle("PUT "+ws+"/flows", h.PutFlow)
	handle("GET "+ws+"/flows", h.ListFlows)
	handle("GET "+ws+"/flows/p/{path...}", h.GetFlow)
	handle("DELETE "+ws+"/flows/p/{path...}", h.DeleteFlow)

	// Schedules
	handle("POST "+ws+"/schedules", h.CreateSchedule)
	handle("GET "+ws+"/schedules", h.ListSchedules)
	handle("GET "+ws+"/schedules/{id}", h.GetSchedule)
	handle("PUT "+ws+"/schedules/{id}", h.UpdateSchedule)
	handle("DELETE "+ws+"/schedules/{id}", h.DeleteSchedule)
	handle("PUT "+ws+"/schedules/{id}/enabled", h.SetScheduleEnabled)
}

// Routes возвращает готовый http.Handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

// Health — проверка живости.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	Success(w, map[string]string{"status": "ok"})
}
