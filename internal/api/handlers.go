package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/crateful/discogs-batch-client/pkg/batch"
	"github.com/crateful/discogs-batch-client/pkg/record"
)

// maxBatchSize caps one submission; larger exports should be split.
const maxBatchSize = 10000

// ExportRequest is the body of POST /batch/export.
type ExportRequest struct {
	ReleaseIDs    []int64 `json:"release_ids"`
	NumWorkers    int     `json:"num_workers,omitempty"`
	RatePerMinute int     `json:"rate_per_minute,omitempty"`
	Priority      int     `json:"priority,omitempty"`
}

// ExportResponse acknowledges an accepted submission.
type ExportResponse struct {
	BatchID string       `json:"batch_id"`
	Status  batch.Status `json:"status"`
	Total   int          `json:"total"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.ReleaseIDs) == 0 {
		writeError(w, http.StatusBadRequest, "release_ids is required")
		return
	}
	if len(req.ReleaseIDs) > maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch too large, max %d releases", maxBatchSize))
		return
	}

	job, err := s.registry.Submit(req.ReleaseIDs, batch.Options{
		Priority:      req.Priority,
		NumWorkers:    req.NumWorkers,
		RatePerMinute: req.RatePerMinute,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, ExportResponse{
		BatchID: job.ID(),
		Status:  job.Status(),
		Total:   len(req.ReleaseIDs),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// handleProgress streams job progress as server-sent events: a progress
// event every 500ms, then one terminal event named after the final status.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendEvent(w, "progress", job.Progress())
	flusher.Flush()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-job.Done():
			sendEvent(w, string(job.Status()), job.View())
			flusher.Flush()
			return
		case <-ticker.C:
			sendEvent(w, "progress", job.Progress())
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// handleDownload serves the collected records of a finished job as CSV.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if !job.Status().Terminal() {
		writeError(w, http.StatusConflict, "batch is still running")
		return
	}

	records := job.Records()
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "batch produced no records")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=discogs-export-%s.csv", job.ID()))

	writer := csv.NewWriter(w)
	if err := writer.Write(record.CSVHeader()); err != nil {
		return
	}
	for _, rec := range records {
		if err := writer.Write(rec.CSVRow()); err != nil {
			return
		}
	}
	writer.Flush()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Cancel(id); err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   "cancelling",
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs": s.registry.List(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}

	count, err := s.cache.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cached_records": count})
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}

	deleted, err := s.cache.Purge(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Int64("deleted", deleted).Msg("Cache purged")
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookupJob resolves the {id} route variable, writing a 404 on miss.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*batch.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return nil, false
	}
	return job, true
}
