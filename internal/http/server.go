package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-ha/hypervolt-charger/addon/internal/chargersync"
	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
	"github.com/micro-ha/hypervolt-charger/addon/internal/model"
)

// API exposes the charger snapshot and command surface to local
// consumers (the addon frontend and Home Assistant).
type API struct {
	coordinator *chargersync.Coordinator
	logger      *slog.Logger
}

func New(coordinator *chargersync.Coordinator, logger *slog.Logger) *API {
	return &API{coordinator: coordinator, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(20 * time.Second))
	r.Use(a.requestLogger)

	r.Get("/healthz", a.health)
	r.Route("/api", func(api chi.Router) {
		api.Get("/state", a.getState)
		api.Get("/chargers", a.listChargers)
		api.Post("/charging", a.setCharging)
		api.Post("/lock", a.setLock)
		api.Post("/charge-mode", a.setChargeMode)
		api.Post("/max-current", a.setMaxCurrent)
		api.Post("/led-brightness", a.setLEDBrightness)
		api.Get("/schedule", a.getSchedule)
		api.Put("/schedule/intervals/{index}", a.stageInterval)
		api.Delete("/schedule/intervals/{index}", a.removeInterval)
		api.Post("/schedule/apply", a.applySchedule)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	channels := map[string]string{}
	for kind, state := range a.coordinator.ChannelStates() {
		channels[string(kind)] = string(state)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "channels": channels})
}

func (a *API) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coordinator.Snapshot())
}

func (a *API) listChargers(w http.ResponseWriter, r *http.Request) {
	chargers, err := a.coordinator.Chargers(r.Context())
	if err != nil {
		writeCommandError(w, "list_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chargers": chargers})
}

func (a *API) setCharging(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Charging *bool `json:"charging"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Charging == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body must be {\"charging\": bool}")
		return
	}
	a.runCommand(w, "set_charging", a.coordinator.SetCharging(r.Context(), *payload.Charging))
}

func (a *API) setLock(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Locked *bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Locked == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "body must be {\"locked\": bool}")
		return
	}
	a.runCommand(w, "set_lock", a.coordinator.SetLock(r.Context(), *payload.Locked))
}

func (a *API) setChargeMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	mode, err := model.ParseChargeMode(payload.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	a.runCommand(w, "set_charge_mode", a.coordinator.SetChargeMode(r.Context(), mode))
}

func (a *API) setMaxCurrent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MilliAmps int `json:"milliamps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	a.runCommand(w, "set_max_current", a.coordinator.SetMaxCurrent(r.Context(), payload.MilliAmps))
}

func (a *API) setLEDBrightness(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Percent float64 `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	a.runCommand(w, "set_led_brightness", a.coordinator.SetLEDBrightness(r.Context(), payload.Percent))
}

func (a *API) getSchedule(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.coordinator.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": intervalsJSON(snapshot.Schedule),
		"staged":  intervalsJSON(a.coordinator.StagedSchedule()),
	})
}

type intervalPayload struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Mode  string   `json:"mode,omitempty"`
	Days  []string `json:"days,omitempty"`
}

func intervalsJSON(intervals []model.ScheduleInterval) []intervalPayload {
	out := make([]intervalPayload, 0, len(intervals))
	for _, interval := range intervals {
		out = append(out, intervalPayload{
			Start: interval.Start.String(),
			End:   interval.End.String(),
			Mode:  string(interval.Mode),
			Days:  interval.Days.Names(),
		})
	}
	return out
}

func (a *API) stageInterval(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index", "index must be an integer")
		return
	}
	var payload intervalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}

	interval := model.ScheduleInterval{Days: model.DaysFromNames(payload.Days)}
	if interval.Start, err = model.ParseTimeOfDay(payload.Start); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}
	if interval.End, err = model.ParseTimeOfDay(payload.End); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
		return
	}
	if payload.Mode != "" {
		if interval.Mode, err = model.ParseChargeMode(payload.Mode); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
			return
		}
	}

	if err := a.coordinator.StageScheduleEdit(index, interval); err != nil {
		writeError(w, http.StatusBadRequest, "stage_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) removeInterval(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_index", "index must be an integer")
		return
	}
	if err := a.coordinator.RemoveScheduleInterval(index); err != nil {
		writeError(w, http.StatusBadRequest, "remove_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) applySchedule(w http.ResponseWriter, r *http.Request) {
	a.runCommand(w, "apply_schedule", a.coordinator.ApplySchedule(r.Context()))
}

// runCommand maps coordinator command results onto HTTP statuses: a
// timeout is a gateway timeout, an auth rejection unauthorized,
// validation a bad request.
func (a *API) runCommand(w http.ResponseWriter, name string, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}

	var timeoutErr *hvapi.CommandTimeoutError
	var authErr *hvapi.AuthError
	var connectErr *hvapi.ConnectError
	switch {
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, "command_timeout", err.Error())
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, "auth_failed", err.Error())
	case errors.As(err, &connectErr):
		writeError(w, http.StatusBadGateway, "charger_unreachable", err.Error())
	default:
		writeError(w, http.StatusBadRequest, name+"_failed", err.Error())
	}
}

func writeCommandError(w http.ResponseWriter, code string, err error) {
	var authErr *hvapi.AuthError
	if errors.As(err, &authErr) {
		writeError(w, http.StatusUnauthorized, "auth_failed", err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		a.logger.Info(
			"http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	})
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseCapture) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RunServer starts and gracefully stops the HTTP server with context
// cancellation.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
