package calendar

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taproom-labs/cellar/pkg/production"
)

// Default range around now when start or end is omitted.
const (
	DefaultLookBack  = 7 * 24 * time.Hour
	DefaultLookAhead = 28 * 24 * time.Hour
)

const dateLayout = "2006-01-02"

// AssignmentsHandler handles GET /calendar/assignments.
// Query params: start, end (RFC3339 or YYYY-MM-DD), tankId.
func AssignmentsHandler(svc *Service, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		now := svc.Now()
		q := Query{
			Start:  now.Add(-DefaultLookBack),
			End:    now.Add(DefaultLookAhead),
			TankID: r.URL.Query().Get("tankId"),
		}
		if v := r.URL.Query().Get("start"); v != "" {
			t, err := parseTime(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
				return
			}
			q.Start = t
		}
		if v := r.URL.Query().Get("end"); v != "" {
			t, err := parseTime(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
				return
			}
			q.End = t
		}
		if !q.Start.Before(q.End) {
			writeError(w, http.StatusBadRequest, "start must be before end")
			return
		}

		blocks, err := svc.Blocks(r.Context(), production.ScopeFromContext(r.Context()).TenantID, q)
		if err != nil {
			correlationID := production.CorrelationID(r)
			logger.Error("failed to list calendar blocks", "error", err, "correlationId", correlationID)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":         "internal_error",
				"message":       "internal server error",
				"correlationId": correlationID,
			})
			return
		}

		out := make([]blockResponse, len(blocks))
		for i := range blocks {
			out[i] = blockToResponse(&blocks[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"blocks": out,
			"count":  len(out),
			"start":  q.Start.UTC().Format(time.RFC3339),
			"end":    q.End.UTC().Format(time.RFC3339),
		})
	}
}

// parseTime accepts RFC3339 timestamps and plain dates, which are read as
// midnight UTC.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", v)
	}
	return t, nil
}

type blockResponse struct {
	AssignmentID        string         `json:"assignmentId"`
	Status              string         `json:"status"`
	Phase               string         `json:"phase"`
	Color               string         `json:"color"`
	Start               string         `json:"start"`
	End                 string         `json:"end"`
	ActualStart         *string        `json:"actualStart,omitempty"`
	ActualEnd           *string        `json:"actualEnd,omitempty"`
	PlannedVolumeLiters float64        `json:"plannedVolumeLiters"`
	Utilization         float64        `json:"utilization"`
	Badges              []string       `json:"badges"`
	Tank                tankSummary    `json:"tank"`
	Lot                 lotSummary     `json:"lot"`
	Batches             []batchSummary `json:"batches"`
}

type tankSummary struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Kind           string  `json:"kind,omitempty"`
	CapacityLiters float64 `json:"capacityLiters"`
	Status         string  `json:"status"`
}

type lotSummary struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	Status      string  `json:"status"`
	Phase       string  `json:"phase"`
	ParentLotID *string `json:"parentLotId,omitempty"`
}

type batchSummary struct {
	ID          string `json:"id"`
	BatchNumber string `json:"batchNumber"`
	RecipeRef   string `json:"recipeRef,omitempty"`
	Status      string `json:"status"`
}

func blockToResponse(b *Block) blockResponse {
	batches := make([]batchSummary, len(b.Batches))
	for i, m := range b.Batches {
		batches[i] = batchSummary{
			ID:          m.ID,
			BatchNumber: m.BatchNumber,
			RecipeRef:   m.RecipeRef,
			Status:      string(m.Status),
		}
	}
	return blockResponse{
		AssignmentID:        b.AssignmentID,
		Status:              string(b.Status),
		Phase:               string(b.Phase),
		Color:               b.Color,
		Start:               b.Start.Format(time.RFC3339),
		End:                 b.End.Format(time.RFC3339),
		ActualStart:         formatTimePtr(b.ActualStart),
		ActualEnd:           formatTimePtr(b.ActualEnd),
		PlannedVolumeLiters: b.PlannedVolumeLiters,
		Utilization:         b.UtilizationPercent,
		Badges:              b.Badges,
		Tank: tankSummary{
			ID:             b.Tank.ID,
			Name:           b.Tank.Name,
			Kind:           b.Tank.Kind,
			CapacityLiters: b.Tank.CapacityLiters,
			Status:         string(b.Tank.Status),
		},
		Lot: lotSummary{
			ID:          b.Lot.ID,
			Code:        b.Lot.Code,
			Status:      string(b.Lot.Status),
			Phase:       string(b.Lot.Phase),
			ParentLotID: b.Lot.ParentLotID,
		},
		Batches: batches,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": string(production.CodeInvalidArgument), "message": message})
}
