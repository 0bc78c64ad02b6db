package timeline

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taproom-labs/cellar/pkg/tenancy"
)

// ListBatchEventsHandler handles GET /batches/{batchId}/timeline.
// Query params: pageSize, pageToken.
func ListBatchEventsHandler(store *Store, defaultPageSize int, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		if batchID == "" {
			writeError(w, http.StatusBadRequest, "missing batch ID")
			return
		}

		pageSize := defaultPageSize
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")
		if pageToken != "" {
			if _, _, err := decodePageToken(pageToken); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		tenantID := tenancy.TenantIDFromContext(r.Context())
		records, nextToken, total, err := store.ListByBatch(tenantID, batchID, pageSize, pageToken)
		if err != nil {
			requestID := middleware.GetReqID(r.Context())
			logger.Error("failed to list timeline events", "error", err, "batchID", batchID, "requestID", requestID)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":         "internal_error",
				"message":       "internal server error",
				"correlationId": requestID,
			})
			return
		}

		events := make([]eventResponse, len(records))
		for i := range records {
			events[i] = eventToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        events,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

type eventResponse struct {
	ID         string         `json:"id"`
	BatchID    string         `json:"batchId"`
	LotID      string         `json:"lotId,omitempty"`
	Type       string         `json:"type"`
	Actor      string         `json:"actor"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt string         `json:"occurredAt"`
}

func eventToResponse(ev *Event) eventResponse {
	return eventResponse{
		ID:         ev.ID,
		BatchID:    ev.BatchID,
		LotID:      ev.LotID,
		Type:       string(ev.EventType),
		Actor:      ev.Actor,
		Message:    ev.Message,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": "bad_request", "message": message})
}
