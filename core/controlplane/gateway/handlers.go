package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/skylens/skylens/core/infra/logging"
	"github.com/skylens/skylens/core/taskflow"
)

type submitRequest struct {
	Start          string   `json:"start"`
	Stop           string   `json:"stop"`
	TargetGeojsons []string `json:"target_geojsons"`
	BboxThreshold  *float64 `json:"bbox_threshold,omitempty"`
}

type submitResponse struct {
	UID       string `json:"uid"`
	StatusURL string `json:"status_url"`
}

func (s *server) handleSubmit(kind taskflow.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := authFromRequest(r)
		if auth == nil || auth.Owner == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxPayloadBytes()+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		if int64(len(body)) > s.maxPayloadBytes() {
			s.metrics.IncSubmission(string(kind), "rejected")
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		var req submitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.metrics.IncSubmission(string(kind), "validation")
			writeError(w, http.StatusUnprocessableEntity, "invalid json: "+err.Error())
			return
		}
		if limit := s.limits.MaxGeometries; limit > 0 && len(req.TargetGeojsons) > limit {
			s.metrics.IncSubmission(string(kind), "validation")
			writeError(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("target_geojsons: at most %d geometries per submission", limit))
			return
		}

		sub := taskflow.Submission{
			Kind:       kind,
			Start:      req.Start,
			Stop:       req.Stop,
			Geometries: req.TargetGeojsons,
		}
		if kind == taskflow.KindAnalyze {
			sub.Threshold = req.BboxThreshold
		}

		uid, err := s.coordinator.Submit(r.Context(), auth.Owner, sub)
		if err != nil {
			s.writeSubmitError(w, kind, err)
			return
		}

		s.metrics.IncSubmission(string(kind), "accepted")
		logging.Info("api-gateway", "task accepted", "kind", string(kind), "uid", uid)
		writeJSON(w, http.StatusOK, submitResponse{
			UID:       uid,
			StatusURL: "/api/v1/status/" + uid,
		})
	}
}

func (s *server) writeSubmitError(w http.ResponseWriter, kind taskflow.Kind, err error) {
	var verr *taskflow.ValidationError
	if errors.As(err, &verr) {
		s.metrics.IncSubmission(string(kind), "validation")
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
		return
	}
	var dup *taskflow.DuplicateError
	if errors.As(err, &dup) {
		s.metrics.IncSubmission(string(kind), "duplicate")
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":       dup.Error(),
			"fingerprint": dup.Fingerprint,
		})
		return
	}
	s.metrics.IncSubmission(string(kind), "error")
	logging.Error("api-gateway", "submission failed", "kind", string(kind), "error", err)
	writeError(w, http.StatusServiceUnavailable, "submission temporarily unavailable")
}

func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	auth := authFromRequest(r)
	if auth == nil || auth.Owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	uid := strings.TrimSpace(r.PathValue("uid"))
	if uid == "" {
		writeError(w, http.StatusUnprocessableEntity, "uid required")
		return
	}

	status, err := s.resolver.Status(r.Context(), auth.Owner, uid)
	if err != nil {
		logging.Error("api-gateway", "status query failed", "uid", uid, "error", err)
		writeError(w, http.StatusServiceUnavailable, "status temporarily unavailable")
		return
	}
	s.metrics.IncStatusQuery(string(status.State))
	writeJSON(w, http.StatusOK, status)
}

func (s *server) maxPayloadBytes() int64 {
	if s.limits.MaxPayloadBytes > 0 {
		return s.limits.MaxPayloadBytes
	}
	return 2 << 20
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
