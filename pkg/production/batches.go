package production

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/timeline"
)

// CreateBatchRequest is planning intake for a brew.
type CreateBatchRequest struct {
	BatchNumber  string
	RecipeRef    string
	VolumeLiters float64
	Notes        string
}

// CreateBatch records a PLANNED batch.
func (e *Engine) CreateBatch(ctx context.Context, scope Scope, req CreateBatchRequest) (*Batch, error) {
	number := strings.TrimSpace(req.BatchNumber)
	if number == "" {
		return nil, Errorf(CodeInvalidArgument, "batch number is required")
	}
	if req.VolumeLiters < 0 {
		return nil, Errorf(CodeInvalidArgument, "volume must not be negative")
	}
	var out *Batch
	err := e.inTx(ctx, scope, "create_batch", func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Batch{}).Where("tenant_id = ? AND batch_number = ?", scope.TenantID, number).
			Count(&n).Error; err != nil {
			return fmt.Errorf("check batch number: %w", err)
		}
		if n > 0 {
			return Errorf(CodeInvalidArgument, "batch %s already exists", number)
		}
		now := e.clock()
		out = &Batch{
			ID:           uuid.New().String(),
			TenantID:     scope.TenantID,
			BatchNumber:  number,
			RecipeRef:    req.RecipeRef,
			VolumeLiters: req.VolumeLiters,
			Status:       BatchStatusPlanned,
			Notes:        req.Notes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(out).Error; err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		return e.record(tx, scope, []string{out.ID}, "", timeline.EventBatchCreated,
			fmt.Sprintf("batch %s planned", number),
			timeline.Payload{"recipeRef": req.RecipeRef, "volumeLiters": req.VolumeLiters})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchDetail is a batch with every lot it belongs to.
type BatchDetail struct {
	Batch Batch
	Lots  []Lot
}

// GetBatch returns a batch and its lots.
func (e *Engine) GetBatch(ctx context.Context, scope Scope, batchID string) (*BatchDetail, error) {
	db := e.db.WithContext(ctx)
	batch, err := getOne[Batch](db, "batch", scope.TenantID, batchID)
	if err != nil {
		return nil, err
	}
	lots, err := lotsOfBatch(db, scope.TenantID, batch.ID, nil)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: *batch, Lots: lots}, nil
}

// StartBrewing moves a PLANNED batch to BREWING.
func (e *Engine) StartBrewing(ctx context.Context, scope Scope, batchID string) (*Batch, error) {
	var out *Batch
	err := e.inTx(ctx, scope, "start_brewing", func(tx *gorm.DB) error {
		now := e.clock()
		batch, err := lockOne[Batch](tx, "batch", scope.TenantID, batchID)
		if err != nil {
			return err
		}
		if batch.Status != BatchStatusPlanned {
			return Errorf(CodeInvalidStatusTransition, "batch %s is %s, brewing starts from %s",
				batch.BatchNumber, batch.Status, BatchStatusPlanned)
		}
		if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).Updates(map[string]any{
			"status":          BatchStatusBrewing,
			"brew_started_at": now,
			"updated_at":      now,
		}).Error; err != nil {
			return fmt.Errorf("start brewing: %w", err)
		}
		batch.Status = BatchStatusBrewing
		batch.BrewStartedAt = timePtr(now)
		batch.UpdatedAt = now
		out = batch
		return e.record(tx, scope, []string{batch.ID}, "", timeline.EventBrewingStarted,
			fmt.Sprintf("batch %s brewing", batch.BatchNumber), nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AssignBatchRequest is the first tank assignment of a batch.
type AssignBatchRequest struct {
	TankID              string
	Phase               Phase // defaults to FERMENTATION
	Window              Window
	PlannedVolumeLiters float64
	Notes               string
}

// AssignBatchResult is the outcome of AssignBatch.
type AssignBatchResult struct {
	Lot        *Lot
	Assignment *TankAssignment
}

// AssignBatch creates a single-batch lot for the batch and books it into a
// tank, in one transaction.
func (e *Engine) AssignBatch(ctx context.Context, scope Scope, batchID string, req AssignBatchRequest) (*AssignBatchResult, error) {
	phase := req.Phase
	if phase == "" {
		phase = PhaseFermentation
	}
	assign := AssignRequest{
		TankID:              req.TankID,
		LotID:               "pending",
		Phase:               phase,
		Window:              req.Window,
		PlannedVolumeLiters: req.PlannedVolumeLiters,
		Notes:               req.Notes,
	}
	if err := assign.validate(); err != nil {
		return nil, err
	}

	var res *AssignBatchResult
	err := e.inTx(ctx, scope, "assign_batch", func(tx *gorm.DB) error {
		now := e.clock()
		if _, err := lockOne[Tank](tx, "tank", scope.TenantID, req.TankID); err != nil {
			return err
		}
		batch, err := lockOne[Batch](tx, "batch", scope.TenantID, batchID)
		if err != nil {
			return err
		}
		if batch.Status.IsTerminal() {
			return Errorf(CodeInvalidStatusTransition, "batch %s is %s", batch.BatchNumber, batch.Status)
		}
		open, err := lotsOfBatch(tx, scope.TenantID, batch.ID, openLotStatuses)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return Errorf(CodeInvalidStatusTransition, "batch %s already belongs to open lot %s", batch.BatchNumber, open[0].Code)
		}
		// Any earlier lineage ended without completing the batch; the new lot
		// starts a fresh one.
		if err := tx.Model(&LotMember{}).Where("batch_id = ? AND retired = ?", batch.ID, false).
			Update("retired", true).Error; err != nil {
			return fmt.Errorf("retire earlier lineage: %w", err)
		}

		code, err := freeLotCode(tx, scope.TenantID, batch.BatchNumber)
		if err != nil {
			return err
		}
		lot := &Lot{
			ID:             uuid.New().String(),
			TenantID:       scope.TenantID,
			Code:           code,
			Status:         LotStatusPlanned,
			Phase:          phase,
			VolumeFraction: 1,
			VolumeLiters:   batch.VolumeLiters,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(lot).Error; err != nil {
			return fmt.Errorf("create lot: %w", err)
		}
		if err := addMembers(tx, lot.ID, []string{batch.ID}, now); err != nil {
			return err
		}
		if err := e.record(tx, scope, []string{batch.ID}, lot.ID, timeline.EventLotCreated,
			fmt.Sprintf("lot %s created", code), timeline.Payload{"lotCode": code}); err != nil {
			return err
		}

		assign.LotID = lot.ID
		a, err := e.assignTx(tx, scope, assign, now)
		if err != nil {
			return err
		}
		if err := tx.First(lot, "id = ?", lot.ID).Error; err != nil {
			return fmt.Errorf("reload lot: %w", err)
		}
		res = &AssignBatchResult{Lot: lot, Assignment: a}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// freeLotCode returns base, or base-2, base-3... when a previous lot of the
// batch already used the code.
func freeLotCode(tx *gorm.DB, tenantID, base string) (string, error) {
	var taken []string
	if err := tx.Model(&Lot{}).Where("tenant_id = ? AND (code = ? OR code LIKE ?)", tenantID, base, base+"-%").
		Pluck("code", &taken).Error; err != nil {
		return "", fmt.Errorf("check lot code: %w", err)
	}
	used := mapset.NewThreadUnsafeSet[string](taken...)
	if !used.Contains(base) {
		return base, nil
	}
	for n := 2; ; n++ {
		code := fmt.Sprintf("%s-%d", base, n)
		if !used.Contains(code) {
			return code, nil
		}
	}
}

// CompleteBatchRequest completes one lot of a batch, or all of them when
// LotID is empty.
type CompleteBatchRequest struct {
	LotID string
	Notes string
}

// CompleteBatchResult is the outcome of CompleteBatch.
type CompleteBatchResult struct {
	Batch         *Batch
	LotCompleted  bool
	RemainingLots []Lot
}

// CompleteBatch completes lots of a batch and lets the cascade decide
// whether the batch itself is complete. Repeating the call is safe.
func (e *Engine) CompleteBatch(ctx context.Context, scope Scope, batchID string, req CompleteBatchRequest) (*CompleteBatchResult, error) {
	var res *CompleteBatchResult
	err := e.inTx(ctx, scope, "complete_batch", func(tx *gorm.DB) error {
		now := e.clock()
		batch, err := getOne[Batch](tx, "batch", scope.TenantID, batchID)
		if err != nil {
			return err
		}
		res = &CompleteBatchResult{}

		var lotIDs []string
		if req.LotID != "" {
			var n int64
			if err := tx.Model(&LotMember{}).Where("lot_id = ? AND batch_id = ?", req.LotID, batch.ID).
				Count(&n).Error; err != nil {
				return fmt.Errorf("check lot membership: %w", err)
			}
			if n == 0 {
				if _, err := getOne[Lot](tx, "lot", scope.TenantID, req.LotID); err != nil {
					return err
				}
				return Errorf(CodeInvalidArgument, "lot %s does not contain batch %s", req.LotID, batch.BatchNumber)
			}
			lotIDs = []string{req.LotID}
		} else {
			open, err := lotsOfBatch(tx, scope.TenantID, batch.ID, openLotStatuses)
			if err != nil {
				return err
			}
			if len(open) == 0 && batch.Status != BatchStatusCompleted {
				return Errorf(CodeInvalidStatusTransition, "batch %s has no open lot to complete", batch.BatchNumber)
			}
			for _, l := range open {
				lotIDs = append(lotIDs, l.ID)
			}
		}

		if len(lotIDs) > 0 {
			if _, err := e.lockLots(tx, scope.TenantID, lotIDs); err != nil {
				return err
			}
			sort.Strings(lotIDs)
			for _, id := range lotIDs {
				done, err := e.finishLotTx(tx, scope, id, LotStatusCompleted, now)
				if err != nil {
					return err
				}
				if !done.AlreadyCompleted {
					res.LotCompleted = true
				}
			}
		}

		if req.Notes != "" {
			if err := appendBatchNotes(tx, batch, req.Notes, now); err != nil {
				return err
			}
		}
		if res.Batch, err = getOne[Batch](tx, "batch", scope.TenantID, batch.ID); err != nil {
			return err
		}
		res.RemainingLots, err = lotsOfBatch(tx, scope.TenantID, batch.ID, openLotStatuses)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PackageRequest starts packaging a batch.
type PackageRequest struct {
	PackageType string
	Quantity    int
	Notes       string
}

// PackagingResult is the outcome of StartPackaging.
type PackagingResult struct {
	Batch *Batch
	// BlendedBatchesUpdated counts other batches sharing a lot with this one
	// whose status moved with it.
	BlendedBatchesUpdated int
}

// StartPackaging advances every open lot of the batch from BRIGHT to
// PACKAGING and records the package details on the batch.
func (e *Engine) StartPackaging(ctx context.Context, scope Scope, batchID string, req PackageRequest) (*PackagingResult, error) {
	if strings.TrimSpace(req.PackageType) == "" {
		return nil, Errorf(CodeInvalidArgument, "packageType is required")
	}
	if req.Quantity < 0 {
		return nil, Errorf(CodeInvalidArgument, "quantity must not be negative")
	}
	var res *PackagingResult
	err := e.inTx(ctx, scope, "start_packaging", func(tx *gorm.DB) error {
		now := e.clock()
		peek, err := getOne[Batch](tx, "batch", scope.TenantID, batchID)
		if err != nil {
			return err
		}
		if peek.Status.IsTerminal() {
			return Errorf(CodeInvalidStatusTransition, "batch %s is %s", peek.BatchNumber, peek.Status)
		}
		open, err := lotsOfBatch(tx, scope.TenantID, peek.ID, openLotStatuses)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return Errorf(CodeInvalidStatusTransition, "batch %s has no open lot to package", peek.BatchNumber)
		}
		lotIDs := make([]string, len(open))
		for i := range open {
			lotIDs[i] = open[i].ID
		}
		locked, err := e.lockLots(tx, scope.TenantID, lotIDs)
		if err != nil {
			return err
		}

		others := mapset.NewThreadUnsafeSet[string]()
		sort.Strings(lotIDs)
		for _, id := range lotIDs {
			lot := locked.lots[id]
			if lot.Phase != PhaseBright && lot.Phase != PhasePackaging {
				return Errorf(CodeInvalidStatusTransition, "lot %s is in %s, packaging starts from %s",
					lot.Code, lot.Phase, PhaseBright)
			}
			_, _, changed, err := e.advanceLotTx(tx, scope, lot, locked.assignments[id], PhasePackaging, now)
			if err != nil {
				return err
			}
			for _, b := range changed {
				if b.ID != peek.ID {
					others.Add(b.ID)
				}
			}
		}

		batch, err := lockOne[Batch](tx, "batch", scope.TenantID, peek.ID)
		if err != nil {
			return err
		}
		updates := map[string]any{
			"package_type":      req.PackageType,
			"packaged_quantity": req.Quantity,
			"updated_at":        now,
		}
		if batch.PackagingStartedAt == nil {
			updates["packaging_started_at"] = now
		}
		if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("record packaging: %w", err)
		}
		if req.Notes != "" {
			if err := appendBatchNotes(tx, batch, req.Notes, now); err != nil {
				return err
			}
		}
		if err := e.record(tx, scope, []string{batch.ID}, "", timeline.EventPackagingStarted,
			fmt.Sprintf("packaging %d x %s", req.Quantity, req.PackageType),
			timeline.Payload{"packageType": req.PackageType, "quantity": req.Quantity}); err != nil {
			return err
		}

		if batch, err = getOne[Batch](tx, "batch", scope.TenantID, batch.ID); err != nil {
			return err
		}
		res = &PackagingResult{Batch: batch, BlendedBatchesUpdated: others.Cardinality()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func appendBatchNotes(tx *gorm.DB, batch *Batch, notes string, now time.Time) error {
	merged := notes
	if batch.Notes != "" {
		merged = batch.Notes + "\n" + notes
	}
	if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).
		Updates(map[string]any{"notes": merged, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("update batch notes: %w", err)
	}
	batch.Notes = merged
	return nil
}
