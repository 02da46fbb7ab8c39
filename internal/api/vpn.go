package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Utitofon-Udoekong/nexushield/internal/allocator"
	"github.com/Utitofon-Udoekong/nexushield/internal/lifecycle"
	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	defaultEventsLimit  = 50
)

// LeaseManager is the lifecycle surface the API drives.
type LeaseManager interface {
	Connect(ctx context.Context, owner, region string, minutes int) (*storage.Lease, error)
	Disconnect(ctx context.Context, owner string) error
	Renew(ctx context.Context, owner string, minutes int) (*storage.Lease, error)
	GetStatus(ctx context.Context, owner string) (*storage.Lease, error)
	History(ctx context.Context, owner string, limit int) ([]storage.Lease, error)
	Events(ctx context.Context, owner string, limit int) ([]storage.Event, error)
}

// RegionSource lists regions the allocator can serve.
type RegionSource interface {
	Regions(ctx context.Context) ([]string, error)
}

// SampleRecorder stores and lists metric samples per lease.
type SampleRecorder interface {
	RecordSample(ctx context.Context, leaseID string, sample storage.MetricSample) error
	History(ctx context.Context, leaseID string, limit int) ([]storage.MetricSample, error)
}

// VPNHandler handles connection, status and metrics requests.
type VPNHandler struct {
	leases  LeaseManager
	regions RegionSource
	samples SampleRecorder
	logger  zerolog.Logger
}

// NewVPNHandler creates a new VPN handler.
func NewVPNHandler(leases LeaseManager, regions RegionSource, samples SampleRecorder, logger zerolog.Logger) *VPNHandler {
	return &VPNHandler{
		leases:  leases,
		regions: regions,
		samples: samples,
		logger:  logger.With().Str("handler", "vpn").Logger(),
	}
}

// StatusResponse reports the owner's live lease, if any.
type StatusResponse struct {
	Connected bool           `json:"connected"`
	Lease     *storage.Lease `json:"lease,omitempty"`
}

// MetricsResponse holds the newest sample and recent history of a lease.
type MetricsResponse struct {
	Current *storage.MetricSample  `json:"current"`
	History []storage.MetricSample `json:"history"`
}

// Connect allocates a new lease, replacing any live one.
func (h *VPNHandler) Connect(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var req connectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	region := req.CountryCode
	if region == "" {
		region = allocator.AnyRegion
	}

	lease, err := h.leases.Connect(r.Context(), owner, region, req.LeaseMinutes)
	if err != nil {
		writeServiceError(w, h.logger.With().Str("owner", owner).Logger(), err, "Connect")
		return
	}

	writeJSON(w, http.StatusOK, lease)
}

// Disconnect revokes the owner's live lease.
func (h *VPNHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	if err := h.leases.Disconnect(r.Context(), owner); err != nil {
		writeServiceError(w, h.logger.With().Str("owner", owner).Logger(), err, "Disconnect")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Renew replaces the owner's lease with a fresh one in the same region.
func (h *VPNHandler) Renew(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var req renewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := h.leases.Renew(r.Context(), owner, req.LeaseMinutes)
	if err != nil {
		writeServiceError(w, h.logger.With().Str("owner", owner).Logger(), err, "Renew")
		return
	}

	writeJSON(w, http.StatusOK, lease)
}

// Status returns the owner's live lease.
func (h *VPNHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	lease, err := h.leases.GetStatus(r.Context(), owner)
	if errors.Is(err, lifecycle.ErrNotConnected) {
		writeJSON(w, http.StatusOK, StatusResponse{Connected: false})
		return
	}
	if err != nil {
		writeServiceError(w, h.logger.With().Str("owner", owner).Logger(), err, "Status")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Connected: true, Lease: lease})
}

// History lists the owner's past leases without peer material.
func (h *VPNHandler) History(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	limit, err := queryLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	leases, err := h.leases.History(r.Context(), owner, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "History")
		return
	}

	redacted := make([]storage.Lease, 0, len(leases))
	for _, lease := range leases {
		redacted = append(redacted, lease.Redacted())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leases": redacted,
		"count":  len(redacted),
	})
}

// Countries lists the regions available for connect.
func (h *VPNHandler) Countries(w http.ResponseWriter, r *http.Request) {
	regions, err := h.regions.Regions(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "List regions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"countries": regions,
		"count":     len(regions),
	})
}

// Metrics returns the samples taken over the owner's live lease.
func (h *VPNHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	limit, err := queryLimit(r, storage.MaxSamplesPerLease, storage.MaxSamplesPerLease)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := h.leases.GetStatus(r.Context(), owner)
	if err != nil {
		writeServiceError(w, h.logger, err, "Metrics")
		return
	}

	history, err := h.samples.History(r.Context(), lease.ID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "Metrics")
		return
	}

	resp := MetricsResponse{History: history}
	if len(history) > 0 {
		resp.Current = &history[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordMetrics appends a client-measured sample to the owner's live lease.
func (h *VPNHandler) RecordMetrics(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var req sampleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lease, err := h.leases.GetStatus(r.Context(), owner)
	if err != nil {
		writeServiceError(w, h.logger, err, "Record metrics")
		return
	}

	sample := storage.MetricSample{
		DownloadBps:   req.DownloadBps,
		UploadBps:     req.UploadBps,
		LatencyMS:     req.LatencyMS,
		PacketLossPct: req.PacketLossPct,
		Scores:        req.Scores,
	}
	if req.LoadedLatency != nil {
		sample.LoadedLatency = &storage.LoadedLatency{
			Download: req.LoadedLatency.Download,
			Upload:   req.LoadedLatency.Upload,
		}
	}

	if err := h.samples.RecordSample(r.Context(), lease.ID, sample); err != nil {
		writeServiceError(w, h.logger, err, "Record metrics")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

// Events lists the owner's audit trail.
func (h *VPNHandler) Events(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	limit, err := queryLimit(r, defaultEventsLimit, storage.MaxEventsPerOwner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.leases.Events(r.Context(), owner, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "List events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
