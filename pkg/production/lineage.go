package production

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/timeline"
)

// fractionTolerance absorbs float rounding when split fractions sum to 1.
const fractionTolerance = 1e-9

var splitSuffixPattern = regexp.MustCompile(`^[A-Z0-9]{1,4}$`)

// BlendRequest merges lots into a new lot.
type BlendRequest struct {
	LotIDs []string
	// Code of the new lot; defaults to BL-<code>+<code>...
	Code string
	// IntoLotID names the input whose tank the blend ends up in. Its open
	// assignment is rebound to the new lot.
	IntoLotID string
	Notes     string
}

// Blend creates a lot whose membership is the union of the input lots'
// batches. The inputs are closed as COMPLETED and marked absorbed into the
// new lot. Tanks are not released; moving liquid is a separate assignment.
func (e *Engine) Blend(ctx context.Context, scope Scope, req BlendRequest) (*Lot, error) {
	inputs := mapset.NewThreadUnsafeSet[string](req.LotIDs...)
	inputs.Remove("")
	if inputs.Cardinality() < 2 {
		return nil, Errorf(CodeInvalidArgument, "blend requires at least two distinct lots")
	}
	if req.IntoLotID != "" && !inputs.Contains(req.IntoLotID) {
		return nil, Errorf(CodeInvalidArgument, "intoLotId %s is not one of the blended lots", req.IntoLotID)
	}
	ids := inputs.ToSlice()
	sort.Strings(ids)

	var out *Lot
	err := e.inTx(ctx, scope, "blend", func(tx *gorm.DB) error {
		now := e.clock()
		locked, err := e.lockLots(tx, scope.TenantID, ids)
		if err != nil {
			return err
		}

		phase := locked.lots[ids[0]].Phase
		var codes []string
		var volume float64
		for _, id := range ids {
			lot := locked.lots[id]
			if !lot.Status.IsOpen() {
				return Errorf(CodeInvalidStatusTransition, "lot %s is %s", lot.Code, lot.Status)
			}
			if lot.Phase != phase {
				return Errorf(CodeIncompatiblePhase, "lot %s is in %s but lot %s is in %s",
					lot.Code, lot.Phase, locked.lots[ids[0]].Code, phase)
			}
			codes = append(codes, lot.Code)
			volume += lot.VolumeLiters
		}
		if phase == PhasePackaging {
			return Errorf(CodeInvalidStatusTransition, "lots in %s can no longer be blended", PhasePackaging)
		}
		var into *TankAssignment
		if req.IntoLotID != "" {
			into = locked.assignments[req.IntoLotID]
			if into == nil {
				return Errorf(CodeInvalidArgument, "lot %s holds no tank to blend into", locked.lots[req.IntoLotID].Code)
			}
		}

		code := req.Code
		if code == "" {
			code = "BL-" + strings.Join(codes, "+")
		}
		if err := ensureCodeFree(tx, scope.TenantID, code); err != nil {
			return err
		}

		members := mapset.NewThreadUnsafeSet[string]()
		for _, id := range ids {
			m, err := memberBatchIDs(tx, id)
			if err != nil {
				return err
			}
			members.Append(m...)
		}
		memberIDs := members.ToSlice()
		sort.Strings(memberIDs)

		blend := &Lot{
			ID:             uuid.New().String(),
			TenantID:       scope.TenantID,
			Code:           code,
			Status:         LotStatusPlanned,
			Phase:          phase,
			VolumeFraction: 1,
			VolumeLiters:   volume,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if into != nil {
			blend.ActiveAssignmentID = strPtr(into.ID)
			if into.Status == AssignmentStatusActive {
				blend.Status = LotStatusActive
			}
		}
		if err := tx.Create(blend).Error; err != nil {
			return fmt.Errorf("create blend lot: %w", err)
		}
		if err := addMembers(tx, blend.ID, memberIDs, now); err != nil {
			return err
		}

		if into != nil {
			if err := rebindAssignmentTx(tx, locked, req.IntoLotID, blend.ID, now); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if err := tx.Model(&Lot{}).Where("id = ?", id).Updates(map[string]any{
				"status":               LotStatusCompleted,
				"completed_at":         now,
				"absorbed_into_lot_id": blend.ID,
				"updated_at":           now,
			}).Error; err != nil {
				return fmt.Errorf("absorb lot: %w", err)
			}
		}

		if err := e.record(tx, scope, memberIDs, blend.ID, timeline.EventLotBlended,
			fmt.Sprintf("lots %s blended into %s", strings.Join(codes, ", "), code),
			timeline.Payload{"inputLotIds": ids, "blendLotId": blend.ID, "notes": req.Notes}); err != nil {
			return err
		}
		if _, err := e.projectBatchesTx(tx, scope, memberIDs, now); err != nil {
			return err
		}
		out = blend
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rebindAssignmentTx moves the open assignment of fromLotID, and the tank
// pointer that goes with it, to toLotID.
func rebindAssignmentTx(tx *gorm.DB, locked *lockedLots, fromLotID, toLotID string, now time.Time) error {
	a := locked.assignments[fromLotID]
	if err := tx.Model(&TankAssignment{}).Where("id = ?", a.ID).
		Updates(map[string]any{"lot_id": toLotID, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("rebind assignment: %w", err)
	}
	if err := tx.Model(&Tank{}).Where("id = ? AND current_lot_id = ?", a.TankID, fromLotID).
		Updates(map[string]any{"current_lot_id": toLotID, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("rebind tank: %w", err)
	}
	if err := tx.Model(&Lot{}).Where("id = ?", fromLotID).
		Update("active_assignment_id", nil).Error; err != nil {
		return fmt.Errorf("unbind lot: %w", err)
	}
	return nil
}

// SplitSpec describes one child lot of a split.
type SplitSpec struct {
	Suffix   string
	Fraction float64
}

func validateSplit(specs []SplitSpec) error {
	if len(specs) == 0 {
		return Errorf(CodeInvalidSplit, "split requires at least one child")
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	var sum float64
	for _, s := range specs {
		if !splitSuffixPattern.MatchString(s.Suffix) {
			return Errorf(CodeInvalidSplit, "suffix %q must be 1-4 upper-case letters or digits", s.Suffix)
		}
		if !seen.Add(s.Suffix) {
			return Errorf(CodeInvalidSplit, "suffix %q is repeated", s.Suffix)
		}
		if math.IsNaN(s.Fraction) || s.Fraction <= 0 || s.Fraction > 1 {
			return Errorf(CodeInvalidSplit, "fraction for %q must be in (0, 1]", s.Suffix)
		}
		sum += s.Fraction
	}
	if sum > 1+fractionTolerance {
		return Errorf(CodeInvalidSplit, "fractions sum to %.4f, more than 1", sum)
	}
	return nil
}

// Split forks a lot into children that each carry the parent's full batch
// membership and a share of its volume. The parent stays open with its
// tank.
func (e *Engine) Split(ctx context.Context, scope Scope, lotID string, specs []SplitSpec) ([]Lot, error) {
	if err := validateSplit(specs); err != nil {
		return nil, err
	}
	var out []Lot
	err := e.inTx(ctx, scope, "split", func(tx *gorm.DB) error {
		out = nil
		now := e.clock()
		locked, err := e.lockLots(tx, scope.TenantID, []string{lotID})
		if err != nil {
			return err
		}
		parent := locked.lots[lotID]
		if !parent.Status.IsOpen() {
			return Errorf(CodeInvalidStatusTransition, "lot %s is %s", parent.Code, parent.Status)
		}
		if parent.Phase == PhasePackaging {
			return Errorf(CodeInvalidStatusTransition, "lot %s is already in %s", parent.Code, PhasePackaging)
		}

		members, err := memberBatchIDs(tx, parent.ID)
		if err != nil {
			return err
		}
		for _, s := range specs {
			code := parent.Code + "-" + s.Suffix
			if err := ensureCodeFree(tx, scope.TenantID, code); err != nil {
				if errors.Is(err, ErrInvalidArgument) {
					return Errorf(CodeInvalidSplit, "child %s already exists", code)
				}
				return err
			}
			child := Lot{
				ID:             uuid.New().String(),
				TenantID:       scope.TenantID,
				Code:           code,
				Status:         LotStatusPlanned,
				Phase:          parent.Phase,
				ParentLotID:    strPtr(parent.ID),
				VolumeFraction: s.Fraction,
				VolumeLiters:   parent.VolumeLiters * s.Fraction,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&child).Error; err != nil {
				return fmt.Errorf("create child lot: %w", err)
			}
			if err := addMembers(tx, child.ID, members, now); err != nil {
				return err
			}
			out = append(out, child)
		}

		childIDs := make([]string, len(out))
		for i := range out {
			childIDs[i] = out[i].ID
		}
		if err := e.record(tx, scope, members, parent.ID, timeline.EventLotSplit,
			fmt.Sprintf("lot %s split into %d children", parent.Code, len(out)),
			timeline.Payload{"childLotIds": childIDs}); err != nil {
			return err
		}
		_, err = e.projectBatchesTx(tx, scope, members, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteLotResult is the outcome of CompleteLot and CancelLot.
type CompleteLotResult struct {
	Lot              *Lot
	AlreadyCompleted bool
	Batches          []Batch
}

// CompleteLot closes a lot as COMPLETED, releasing its tank if it holds
// one, and cascades to its member batches. Completing a completed lot is a
// no-op.
func (e *Engine) CompleteLot(ctx context.Context, scope Scope, lotID string) (*CompleteLotResult, error) {
	var res *CompleteLotResult
	err := e.inTx(ctx, scope, "complete_lot", func(tx *gorm.DB) error {
		var err error
		res, err = e.finishLotTx(tx, scope, lotID, LotStatusCompleted, e.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelLot closes a lot as CANCELLED. An open assignment is cancelled with
// it. Cancelling a cancelled lot is a no-op.
func (e *Engine) CancelLot(ctx context.Context, scope Scope, lotID string) (*CompleteLotResult, error) {
	var res *CompleteLotResult
	err := e.inTx(ctx, scope, "cancel_lot", func(tx *gorm.DB) error {
		var err error
		res, err = e.finishLotTx(tx, scope, lotID, LotStatusCancelled, e.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) finishLotTx(tx *gorm.DB, scope Scope, lotID string, status LotStatus, now time.Time) (*CompleteLotResult, error) {
	locked, err := e.lockLots(tx, scope.TenantID, []string{lotID})
	if err != nil {
		return nil, err
	}
	lot := locked.lots[lotID]
	if lot.Status == status {
		return &CompleteLotResult{Lot: lot, AlreadyCompleted: true}, nil
	}
	if !lot.Status.IsOpen() {
		return nil, Errorf(CodeInvalidStatusTransition, "lot %s is %s", lot.Code, lot.Status)
	}

	if a := locked.assignments[lotID]; a != nil {
		final := AssignmentStatusCompleted
		if status == LotStatusCancelled {
			final = AssignmentStatusCancelled
		}
		if err := e.releaseAssignmentTx(tx, scope, lot, a, locked.tanks[a.TankID], final, now); err != nil {
			return nil, err
		}
	}
	if err := e.closeLotTx(tx, scope, lot, status, now); err != nil {
		return nil, err
	}
	batches, err := e.projectLotMembersTx(tx, scope, []string{lot.ID}, now)
	if err != nil {
		return nil, err
	}
	return &CompleteLotResult{Lot: lot, Batches: batches}, nil
}

// LotPhaseRequest advances a lot's phase and/or closes it.
type LotPhaseRequest struct {
	LotID  string
	Phase  Phase     // optional
	Status LotStatus // optional: COMPLETED or CANCELLED
}

// LotPhaseResult is the outcome of AdvanceLotPhase.
type LotPhaseResult struct {
	Lot          *Lot
	PhaseChanged bool
	Batches      []Batch
}

// AdvanceLotPhase applies a phase change to a lot (through its open
// assignment when it holds one) and then an optional status change, in one
// transaction.
func (e *Engine) AdvanceLotPhase(ctx context.Context, scope Scope, req LotPhaseRequest) (*LotPhaseResult, error) {
	if req.LotID == "" {
		return nil, Errorf(CodeInvalidArgument, "lotId is required")
	}
	if req.Phase == "" && req.Status == "" {
		return nil, Errorf(CodeInvalidArgument, "phase or status is required")
	}
	if req.Phase != "" && !req.Phase.Valid() {
		return nil, Errorf(CodeInvalidArgument, "unknown phase %q", req.Phase)
	}
	switch req.Status {
	case "", LotStatusCompleted, LotStatusCancelled:
	default:
		return nil, Errorf(CodeInvalidStatusTransition, "lot status can only be set to %s or %s", LotStatusCompleted, LotStatusCancelled)
	}

	var res *LotPhaseResult
	err := e.inTx(ctx, scope, "advance_lot_phase", func(tx *gorm.DB) error {
		now := e.clock()
		res = &LotPhaseResult{}
		if req.Phase != "" {
			locked, err := e.lockLots(tx, scope.TenantID, []string{req.LotID})
			if err != nil {
				return err
			}
			lot := locked.lots[req.LotID]
			res.Lot = lot
			changed, _, batches, err := e.advanceLotTx(tx, scope, lot, locked.assignments[req.LotID], req.Phase, now)
			if err != nil {
				return err
			}
			res.PhaseChanged = changed
			res.Batches = batches
		}
		if req.Status != "" {
			done, err := e.finishLotTx(tx, scope, req.LotID, req.Status, now)
			if err != nil {
				return err
			}
			res.Lot = done.Lot
			res.Batches = append(res.Batches, done.Batches...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetLot returns a lot with its member batch IDs.
func (e *Engine) GetLot(ctx context.Context, scope Scope, lotID string) (*Lot, []string, error) {
	db := e.db.WithContext(ctx)
	lot, err := getOne[Lot](db, "lot", scope.TenantID, lotID)
	if err != nil {
		return nil, nil, err
	}
	members, err := memberBatchIDs(db, lot.ID)
	if err != nil {
		return nil, nil, err
	}
	return lot, members, nil
}

// LotLineage is the neighbourhood of a lot in the lineage graph.
type LotLineage struct {
	Lot          Lot
	Parent       *Lot
	Children     []Lot
	Absorbed     []Lot
	AbsorbedInto *Lot
	Members      []Batch
	Assignment   *TankAssignment
}

// Lineage returns a lot's parent, children, the lots blended into it, the
// lot it was blended into and its member batches.
func (e *Engine) Lineage(ctx context.Context, scope Scope, lotID string) (*LotLineage, error) {
	db := e.db.WithContext(ctx)
	lot, err := getOne[Lot](db, "lot", scope.TenantID, lotID)
	if err != nil {
		return nil, err
	}
	out := &LotLineage{Lot: *lot}

	if lot.ParentLotID != nil {
		out.Parent, err = optionalLot(db, scope.TenantID, *lot.ParentLotID)
		if err != nil {
			return nil, err
		}
	}
	if lot.AbsorbedIntoLotID != nil {
		out.AbsorbedInto, err = optionalLot(db, scope.TenantID, *lot.AbsorbedIntoLotID)
		if err != nil {
			return nil, err
		}
	}
	if err := db.Where("tenant_id = ? AND parent_lot_id = ?", scope.TenantID, lot.ID).
		Order("code").Find(&out.Children).Error; err != nil {
		return nil, fmt.Errorf("load child lots: %w", err)
	}
	if err := db.Where("tenant_id = ? AND absorbed_into_lot_id = ?", scope.TenantID, lot.ID).
		Order("code").Find(&out.Absorbed).Error; err != nil {
		return nil, fmt.Errorf("load absorbed lots: %w", err)
	}
	if err := db.Model(&Batch{}).
		Joins("JOIN lot_members ON lot_members.batch_id = batches.id").
		Where("batches.tenant_id = ? AND lot_members.lot_id = ?", scope.TenantID, lot.ID).
		Order("batches.batch_number").Find(&out.Members).Error; err != nil {
		return nil, fmt.Errorf("load lot members: %w", err)
	}
	if lot.ActiveAssignmentID != nil {
		a, err := getOne[TankAssignment](db, "assignment", scope.TenantID, *lot.ActiveAssignmentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		out.Assignment = a
	}
	return out, nil
}

func optionalLot(db *gorm.DB, tenantID, id string) (*Lot, error) {
	lot, err := getOne[Lot](db, "lot", tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return lot, err
}

func ensureCodeFree(tx *gorm.DB, tenantID, code string) error {
	var n int64
	if err := tx.Model(&Lot{}).Where("tenant_id = ? AND code = ?", tenantID, code).Count(&n).Error; err != nil {
		return fmt.Errorf("check lot code: %w", err)
	}
	if n > 0 {
		return Errorf(CodeInvalidArgument, "lot code %s is already in use", code)
	}
	return nil
}

func addMembers(tx *gorm.DB, lotID string, batchIDs []string, now time.Time) error {
	if len(batchIDs) == 0 {
		return nil
	}
	rows := make([]LotMember, len(batchIDs))
	for i, id := range batchIDs {
		rows[i] = LotMember{LotID: lotID, BatchID: id, AddedAt: now}
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("add lot members: %w", err)
	}
	return nil
}
