package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/waypoint/internal/common"
	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/lock"
	"github.com/noah-isme/waypoint/internal/position"
	"github.com/noah-isme/waypoint/internal/settings"
)

// streamHeartbeat is how often the SSE stream re-derives and re-sends the
// status even without a location change, since status decays with time.
const streamHeartbeat = 15 * time.Second

// Handler exposes HTTP endpoints over the tracking service.
type Handler struct {
	Svc      *Service
	Store    settings.Store
	Validate *validator.Validate
	UserID   string
	// Lock serializes settings writes across instances sharing the store.
	// Optional; without it concurrent updates race on last-write-wins.
	Lock *lock.Locker
}

type locationPayload struct {
	Sample *geo.Sample `json:"sample"`
	Status geo.Status  `json:"status"`
}

// Current returns the held sample and the status derived right now.
func (h *Handler) Current(w http.ResponseWriter, _ *http.Request) {
	sample, status := h.Svc.Snapshot()
	common.JSONData(w, http.StatusOK, locationPayload{Sample: sample, Status: status})
}

// Refresh forces one poll cycle (the circuit breaker still applies) and
// returns the resulting snapshot.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.Svc.RefreshLocation(r.Context())
	sample, status := h.Svc.Snapshot()
	common.JSONData(w, http.StatusOK, locationPayload{Sample: sample, Status: status})
}

// Now performs a one-shot position query, bypassing the scheduler and the
// breaker. This is the only endpoint that surfaces source errors directly.
func (h *Handler) Now(w http.ResponseWriter, r *http.Request) {
	sample, err := h.Svc.CurrentPosition(r.Context())
	if err != nil {
		switch position.Classify(err) {
		case position.KindPermissionDenied:
			common.JSONError(w, http.StatusForbidden, "PERMISSION_DENIED", "location permission denied", nil)
		case position.KindTimeout:
			common.JSONError(w, http.StatusGatewayTimeout, "SOURCE_TIMEOUT", "position source timed out", nil)
		default:
			common.JSONError(w, http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", "position source unavailable", nil)
		}
		return
	}
	common.JSONData(w, http.StatusOK, sample)
}

type searchParams struct {
	Query string `validate:"required,min=2"`
	Limit int    `validate:"gte=1,lte=20"`
}

// Search resolves a free-text query into ranked location candidates.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	params := searchParams{
		Query: r.URL.Query().Get("q"),
		Limit: 5,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer", nil)
			return
		}
		params.Limit = parsed
	}
	if err := h.validate(params); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid search parameters", err.Error())
		return
	}
	results, err := h.Svc.SearchLocations(r.Context(), params.Query, params.Limit)
	if err != nil {
		common.JSONError(w, http.StatusBadGateway, "SEARCH_FAILED", "location search failed", nil)
		return
	}
	common.JSONData(w, http.StatusOK, results)
}

type updateSettingsRequest struct {
	Enabled             bool `json:"enabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds" validate:"gte=1,lte=3600"`
}

// UpdateSettings persists new tracking preferences and hands the resulting
// config to the service, which diffs it against the previous one.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.validate(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid tracking settings", err.Error())
		return
	}
	patch := settings.Patch{
		Enabled:             &req.Enabled,
		PollIntervalSeconds: &req.PollIntervalSeconds,
	}
	var cfg geo.TrackingConfig
	apply := func(ctx context.Context) error {
		if err := h.Store.Save(ctx, h.userID(), patch); err != nil {
			return err
		}
		loaded, err := h.Store.Load(ctx, h.userID())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	}
	var err error
	if h.Lock != nil {
		err = h.Lock.WithLock(r.Context(), "waypoint:tracking:lock:"+h.userID(), 5*time.Second, apply)
	} else {
		err = apply(r.Context())
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to persist settings", nil)
		return
	}
	h.Svc.UpdateConfig(cfg)
	common.JSONData(w, http.StatusOK, cfg)
}

// Stream serves location updates as server-sent events. Each notification and
// a periodic heartbeat carry the sample plus the freshly derived status.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Buffered updates; an SSE client that cannot keep up drops intermediate
	// notifications rather than blocking the registry fan-out.
	updates := make(chan locationPayload, 8)
	unsubscribe := h.Svc.Subscribe(func(sample *geo.Sample, status geo.Status) {
		select {
		case updates <- locationPayload{Sample: sample, Status: status}:
		default:
		}
	})
	defer unsubscribe()

	sample, status := h.Svc.Snapshot()
	writeSSE(w, flusher, locationPayload{Sample: sample, Status: status})

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-updates:
			writeSSE(w, flusher, payload)
		case <-heartbeat.C:
			sample, status := h.Svc.Snapshot()
			writeSSE(w, flusher, locationPayload{Sample: sample, Status: status})
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload locationPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: location\ndata: %s\n\n", data)
	flusher.Flush()
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return errors.New("validator not configured")
	}
	return h.Validate.Struct(v)
}

func (h *Handler) userID() string {
	if h.UserID == "" {
		return "default"
	}
	return h.UserID
}
