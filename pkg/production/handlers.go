package production

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CorrelationIDHeader lets callers supply the id logged with failures.
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID returns the caller-supplied correlation id or the chi
// request id.
func CorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationIDHeader); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

type windowBody struct {
	PlannedStart time.Time `json:"plannedStart"`
	PlannedEnd   time.Time `json:"plannedEnd"`
}

func (b windowBody) window() Window {
	return Window{Start: b.PlannedStart, End: b.PlannedEnd}
}

// CreateTankHandler handles POST /tanks.
func CreateTankHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name           string  `json:"name"`
			Kind           string  `json:"kind"`
			CapacityLiters float64 `json:"capacityLiters"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		tank, err := engine.CreateTank(r.Context(), ScopeFromContext(r.Context()), CreateTankRequest{
			Name:           body.Name,
			Kind:           body.Kind,
			CapacityLiters: body.CapacityLiters,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, tankToResponse(tank))
	}
}

// ListTanksHandler handles GET /tanks. Query params: status.
func ListTanksHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := TankStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			writeError(w, http.StatusBadRequest, CodeInvalidArgument, "unknown tank status "+string(status))
			return
		}
		tanks, err := engine.ListTanks(r.Context(), ScopeFromContext(r.Context()), status)
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		out := make([]tankResponse, len(tanks))
		for i := range tanks {
			out[i] = tankToResponse(&tanks[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{"tanks": out, "count": len(out)})
	}
}

// GetTankHandler handles GET /tanks/{tankId}.
func GetTankHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tank, err := engine.GetTank(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "tankId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, tankToResponse(tank))
	}
}

// SetTankStatusHandler handles PATCH /tanks/{tankId}/status.
func SetTankStatusHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
			Notes  string `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		tank, err := engine.SetTankStatus(r.Context(), ScopeFromContext(r.Context()),
			chi.URLParam(r, "tankId"), TankStatus(body.Status), body.Notes)
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, tankToResponse(tank))
	}
}

// CreateBatchHandler handles POST /batches.
func CreateBatchHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BatchNumber  string  `json:"batchNumber"`
			RecipeRef    string  `json:"recipeRef"`
			VolumeLiters float64 `json:"volumeLiters"`
			Notes        string  `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		batch, err := engine.CreateBatch(r.Context(), ScopeFromContext(r.Context()), CreateBatchRequest{
			BatchNumber:  body.BatchNumber,
			RecipeRef:    body.RecipeRef,
			VolumeLiters: body.VolumeLiters,
			Notes:        body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, batchToResponse(batch))
	}
}

// GetBatchHandler handles GET /batches/{batchId}.
func GetBatchHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := engine.GetBatch(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "batchId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch": batchToResponse(&detail.Batch),
			"lots":  lotsToResponse(detail.Lots),
		})
	}
}

// StartBrewingHandler handles POST /batches/{batchId}/brew.
func StartBrewingHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := engine.StartBrewing(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "batchId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "batch": batchToResponse(batch)})
	}
}

// AssignBatchHandler handles POST /batches/{batchId}/assign.
func AssignBatchHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			windowBody
			TankID              string  `json:"tankId"`
			Phase               string  `json:"phase"`
			PlannedVolumeLiters float64 `json:"plannedVolumeLiters"`
			Notes               string  `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := engine.AssignBatch(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "batchId"), AssignBatchRequest{
			TankID:              body.TankID,
			Phase:               Phase(body.Phase),
			Window:              body.window(),
			PlannedVolumeLiters: body.PlannedVolumeLiters,
			Notes:               body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success":    true,
			"lot":        lotToResponse(res.Lot),
			"assignment": assignmentToResponse(res.Assignment),
		})
	}
}

// CompleteBatchHandler handles POST /batches/{batchId}/complete.
func CompleteBatchHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LotID string `json:"lotId"`
			Notes string `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := engine.CompleteBatch(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "batchId"), CompleteBatchRequest{
			LotID: body.LotID,
			Notes: body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"batch":         batchToResponse(res.Batch),
			"lotCompleted":  res.LotCompleted,
			"remainingLots": lotsToResponse(res.RemainingLots),
		})
	}
}

// PackageBatchHandler handles POST /batches/{batchId}/package.
func PackageBatchHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PackageType string `json:"packageType"`
			Quantity    int    `json:"quantity"`
			Notes       string `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		batchID := chi.URLParam(r, "batchId")
		res, err := engine.StartPackaging(r.Context(), ScopeFromContext(r.Context()), batchID, PackageRequest{
			PackageType: body.PackageType,
			Quantity:    body.Quantity,
			Notes:       body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":               true,
			"batchId":               batchID,
			"batch":                 batchToResponse(res.Batch),
			"blendedBatchesUpdated": res.BlendedBatchesUpdated,
		})
	}
}

// AssignHandler handles POST /assignments.
func AssignHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			windowBody
			TankID              string  `json:"tankId"`
			LotID               string  `json:"lotId"`
			Phase               string  `json:"phase"`
			PlannedVolumeLiters float64 `json:"plannedVolumeLiters"`
			Notes               string  `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		a, err := engine.Assign(r.Context(), ScopeFromContext(r.Context()), AssignRequest{
			TankID:              body.TankID,
			LotID:               body.LotID,
			Phase:               Phase(body.Phase),
			Window:              body.window(),
			PlannedVolumeLiters: body.PlannedVolumeLiters,
			Notes:               body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, assignmentToResponse(a))
	}
}

// AdvancePhaseHandler handles PATCH /assignments/{assignmentId}/phase.
func AdvancePhaseHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Phase string `json:"phase"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := engine.AdvancePhase(r.Context(), ScopeFromContext(r.Context()),
			chi.URLParam(r, "assignmentId"), Phase(body.Phase))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"assignment":   assignmentToResponse(res.Assignment),
			"lot":          lotToResponse(res.Lot),
			"phaseChanged": res.PhaseChanged,
			"activated":    res.Activated,
		})
	}
}

// CompleteAssignmentHandler handles POST /assignments/{assignmentId}/complete.
// Repeated calls return 200 with alreadyCompleted set.
func CompleteAssignmentHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := engine.Complete(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "assignmentId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, closeResponse(res))
	}
}

// CancelAssignmentHandler handles POST /assignments/{assignmentId}/cancel.
func CancelAssignmentHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := engine.CancelAssignment(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "assignmentId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, closeResponse(res))
	}
}

func closeResponse(res *CompleteResult) map[string]any {
	out := map[string]any{
		"success":          true,
		"assignment":       assignmentToResponse(res.Assignment),
		"alreadyCompleted": res.AlreadyCompleted,
	}
	if res.Tank != nil {
		out["tank"] = tankToResponse(res.Tank)
	}
	if res.Lot != nil {
		out["lot"] = lotToResponse(res.Lot)
	}
	return out
}

// TransferHandler handles POST /assignments/{assignmentId}/transfer.
func TransferHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			windowBody
			ToTankID            string  `json:"toTankId"`
			Phase               string  `json:"phase"`
			PlannedVolumeLiters float64 `json:"plannedVolumeLiters"`
			Notes               string  `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		a, err := engine.Transfer(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "assignmentId"), TransferRequest{
			ToTankID:            body.ToTankID,
			Phase:               Phase(body.Phase),
			Window:              body.window(),
			PlannedVolumeLiters: body.PlannedVolumeLiters,
			Notes:               body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, assignmentToResponse(a))
	}
}

// LotPhaseHandler handles PATCH /lots/phase.
func LotPhaseHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LotID  string `json:"lotId"`
			Phase  string `json:"phase"`
			Status string `json:"status"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		res, err := engine.AdvanceLotPhase(r.Context(), ScopeFromContext(r.Context()), LotPhaseRequest{
			LotID:  body.LotID,
			Phase:  Phase(body.Phase),
			Status: LotStatus(body.Status),
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"lot":          lotToResponse(res.Lot),
			"phaseChanged": res.PhaseChanged,
		})
	}
}

// BlendHandler handles POST /lots/blend.
func BlendHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			LotIDs    []string `json:"lotIds"`
			Code      string   `json:"code"`
			IntoLotID string   `json:"intoLotId"`
			Notes     string   `json:"notes"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		lot, err := engine.Blend(r.Context(), ScopeFromContext(r.Context()), BlendRequest{
			LotIDs:    body.LotIDs,
			Code:      body.Code,
			IntoLotID: body.IntoLotID,
			Notes:     body.Notes,
		})
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, lotToResponse(lot))
	}
}

// SplitHandler handles POST /lots/{lotId}/split.
func SplitHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Children []struct {
				Suffix   string  `json:"suffix"`
				Fraction float64 `json:"fraction"`
			} `json:"children"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		specs := make([]SplitSpec, len(body.Children))
		for i, c := range body.Children {
			specs[i] = SplitSpec{Suffix: c.Suffix, Fraction: c.Fraction}
		}
		lotID := chi.URLParam(r, "lotId")
		children, err := engine.Split(r.Context(), ScopeFromContext(r.Context()), lotID, specs)
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"parentLotId": lotID,
			"children":    lotsToResponse(children),
		})
	}
}

// GetLotHandler handles GET /lots/{lotId}.
func GetLotHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lot, members, err := engine.GetLot(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "lotId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		resp := lotToResponse(lot)
		resp.BatchIDs = members
		writeJSON(w, http.StatusOK, resp)
	}
}

// LineageHandler handles GET /lots/{lotId}/lineage.
func LineageHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineage, err := engine.Lineage(r.Context(), ScopeFromContext(r.Context()), chi.URLParam(r, "lotId"))
		if err != nil {
			writeEngineError(w, r, engine.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, lineageToResponse(lineage))
	}
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// at its zero value. It writes a 400 and returns false on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidArgument, "invalid request body")
		return false
	}
	return true
}

// writeEngineError maps engine errors to their HTTP status. Anything that is
// not an engine error is logged with the correlation id and hidden behind a
// generic 500.
func writeEngineError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var e *Error
	if errors.As(err, &e) {
		writeError(w, HTTPStatus(e.Code), e.Code, e.Message)
		return
	}
	correlationID := CorrelationID(r)
	logger.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path, "correlationId", correlationID)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":         "internal_error",
		"message":       "internal server error",
		"correlationId": correlationID,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a structured engine error response.
func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, map[string]string{"error": string(code), "message": message})
}
