package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/timeline"
)

// AssignRequest books a tank for a lot.
type AssignRequest struct {
	TankID              string
	LotID               string
	Phase               Phase
	Window              Window
	PlannedVolumeLiters float64 // zero means the lot's volume
	Notes               string
}

func (r *AssignRequest) validate() error {
	if r.TankID == "" {
		return Errorf(CodeInvalidArgument, "tankId is required")
	}
	if r.LotID == "" {
		return Errorf(CodeInvalidArgument, "lotId is required")
	}
	if !r.Phase.Valid() {
		return Errorf(CodeInvalidArgument, "unknown phase %q", r.Phase)
	}
	if !r.Window.Valid() {
		return Errorf(CodeInvalidArgument, "planned end must be after planned start")
	}
	if r.PlannedVolumeLiters < 0 {
		return Errorf(CodeInvalidArgument, "planned volume must not be negative")
	}
	return nil
}

// Assign books req.TankID for req.LotID over req.Window. The assignment
// starts ACTIVE when the window has already begun, PLANNED otherwise, and
// the tank becomes IN_USE.
func (e *Engine) Assign(ctx context.Context, scope Scope, req AssignRequest) (*TankAssignment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	var out *TankAssignment
	err := e.inTx(ctx, scope, "assign", func(tx *gorm.DB) error {
		a, err := e.assignTx(tx, scope, req, e.clock())
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// assignTx checks and writes a new assignment. The tank row lock serializes
// every booking of the tank, so the overlap check sees all committed
// bookings.
func (e *Engine) assignTx(tx *gorm.DB, scope Scope, req AssignRequest, now time.Time) (*TankAssignment, error) {
	win := req.Window.UTC()

	tank, err := lockOne[Tank](tx, "tank", scope.TenantID, req.TankID)
	if err != nil {
		return nil, err
	}
	lot, err := lockOne[Lot](tx, "lot", scope.TenantID, req.LotID)
	if err != nil {
		return nil, err
	}
	if !lot.Status.IsOpen() {
		return nil, Errorf(CodeInvalidStatusTransition, "lot %s is %s", lot.Code, lot.Status)
	}
	if lot.ActiveAssignmentID != nil {
		return nil, Errorf(CodeScheduleConflict, "lot %s already holds assignment %s", lot.Code, *lot.ActiveAssignmentID)
	}
	if err := e.phases.ValidateTransition(lot.Phase, req.Phase); err != nil {
		return nil, err
	}

	var booked []TankAssignment
	if err := tx.Where("tenant_id = ? AND tank_id = ? AND status IN ?", scope.TenantID, tank.ID, openAssignmentStatuses).
		Find(&booked).Error; err != nil {
		return nil, fmt.Errorf("load tank assignments: %w", err)
	}
	for i := range booked {
		if win.Overlaps(booked[i].window()) {
			return nil, Errorf(CodeScheduleConflict, "tank %s is booked from %s to %s by assignment %s",
				tank.Name, booked[i].PlannedStart.UTC().Format(time.RFC3339),
				booked[i].PlannedEnd.UTC().Format(time.RFC3339), booked[i].ID)
		}
	}
	if tank.Status != TankStatusAvailable {
		return nil, Errorf(CodeTankUnavailable, "tank %s is %s", tank.Name, tank.Status)
	}

	volume := req.PlannedVolumeLiters
	if volume == 0 {
		volume = lot.VolumeLiters
	}
	if tank.CapacityLiters > 0 && volume > tank.CapacityLiters {
		return nil, Errorf(CodeInvalidArgument, "planned volume %.1fL exceeds tank %s capacity %.1fL",
			volume, tank.Name, tank.CapacityLiters)
	}

	a := &TankAssignment{
		ID:                  uuid.New().String(),
		TenantID:            scope.TenantID,
		TankID:              tank.ID,
		LotID:               lot.ID,
		Phase:               req.Phase,
		Status:              AssignmentStatusPlanned,
		PlannedStart:        win.Start,
		PlannedEnd:          win.End,
		PlannedVolumeLiters: volume,
		Notes:               req.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if !win.Start.After(now) {
		a.Status = AssignmentStatusActive
		a.ActualStart = timePtr(now)
	}
	if err := tx.Create(a).Error; err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}

	if err := tx.Model(&Tank{}).Where("id = ?", tank.ID).Updates(map[string]any{
		"status":         TankStatusInUse,
		"current_lot_id": lot.ID,
		"updated_at":     now,
	}).Error; err != nil {
		return nil, fmt.Errorf("occupy tank: %w", err)
	}

	lotUpdates := map[string]any{
		"active_assignment_id": a.ID,
		"phase":                req.Phase,
		"updated_at":           now,
	}
	if a.Status == AssignmentStatusActive {
		lotUpdates["status"] = LotStatusActive
	}
	if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).Updates(lotUpdates).Error; err != nil {
		return nil, fmt.Errorf("bind lot: %w", err)
	}

	members, err := memberBatchIDs(tx, lot.ID)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		if err := tx.Model(&Batch{}).Where("id IN ?", members).
			Update("last_tank_id", tank.ID).Error; err != nil {
			return nil, fmt.Errorf("update batch tank: %w", err)
		}
	}
	if _, err := e.projectBatchesTx(tx, scope, members, now); err != nil {
		return nil, err
	}
	if err := e.record(tx, scope, members, lot.ID, timeline.EventTankAssigned,
		fmt.Sprintf("lot %s assigned to tank %s for %s", lot.Code, tank.Name, req.Phase),
		timeline.Payload{
			"assignmentId": a.ID,
			"tankId":       tank.ID,
			"tankName":     tank.Name,
			"phase":        string(req.Phase),
			"status":       string(a.Status),
			"plannedStart": win.Start.Format(time.RFC3339),
			"plannedEnd":   win.End.Format(time.RFC3339),
		}); err != nil {
		return nil, err
	}
	return a, nil
}

// lockAssignment locks the lot an open assignment belongs to (with its tank)
// and returns the locked assignment. done is true when the assignment is
// already in one of the stop statuses, in which case nothing else is locked.
func (e *Engine) lockAssignment(tx *gorm.DB, scope Scope, assignmentID string, stop ...AssignmentStatus) (a *TankAssignment, locked *lockedLots, done bool, err error) {
	peek, err := getOne[TankAssignment](tx, "assignment", scope.TenantID, assignmentID)
	if err != nil {
		return nil, nil, false, err
	}
	for _, s := range stop {
		if peek.Status == s {
			return peek, nil, true, nil
		}
	}
	if !peek.Status.IsOpen() {
		return nil, nil, false, Errorf(CodeInvalidStatusTransition, "assignment %s is %s", peek.ID, peek.Status)
	}

	locked, err = e.lockLots(tx, scope.TenantID, []string{peek.LotID})
	if err != nil {
		return nil, nil, false, err
	}
	a = locked.assignments[peek.LotID]
	if a == nil || a.ID != peek.ID {
		// Closed between the peek and the lock.
		return nil, nil, false, errLockRace
	}
	return a, locked, false, nil
}

// AdvancePhaseResult is the outcome of AdvancePhase.
type AdvancePhaseResult struct {
	Assignment   *TankAssignment
	Lot          *Lot
	PhaseChanged bool
	Activated    bool
	Batches      []Batch
}

// AdvancePhase moves an open assignment, its lot and the lot's member
// batches to phase. A PLANNED assignment is activated.
func (e *Engine) AdvancePhase(ctx context.Context, scope Scope, assignmentID string, phase Phase) (*AdvancePhaseResult, error) {
	var res *AdvancePhaseResult
	err := e.inTx(ctx, scope, "advance_phase", func(tx *gorm.DB) error {
		a, locked, _, err := e.lockAssignment(tx, scope, assignmentID)
		if err != nil {
			return err
		}
		lot := locked.lots[a.LotID]
		res = &AdvancePhaseResult{Assignment: a, Lot: lot}
		res.PhaseChanged, res.Activated, res.Batches, err = e.advanceLotTx(tx, scope, lot, a, phase, e.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// advanceLotTx applies a phase change to a locked lot and its assignment,
// which may be nil for a lot holding no tank.
func (e *Engine) advanceLotTx(tx *gorm.DB, scope Scope, lot *Lot, a *TankAssignment, phase Phase, now time.Time) (changed, activated bool, batches []Batch, err error) {
	if !lot.Status.IsOpen() {
		return false, false, nil, Errorf(CodeInvalidStatusTransition, "lot %s is %s", lot.Code, lot.Status)
	}
	if err := e.phases.ValidateTransition(lot.Phase, phase); err != nil {
		return false, false, nil, err
	}

	if a != nil && a.Status == AssignmentStatusPlanned {
		if err := e.activateTx(tx, scope, lot, a, now); err != nil {
			return false, false, nil, err
		}
		activated = true
	}
	if phase == lot.Phase {
		if activated {
			batches, err = e.projectLotMembersTx(tx, scope, []string{lot.ID}, now)
		}
		return false, activated, batches, err
	}

	from := lot.Phase
	if a != nil {
		if err := tx.Model(&TankAssignment{}).Where("id = ?", a.ID).
			Updates(map[string]any{"phase": phase, "updated_at": now}).Error; err != nil {
			return false, false, nil, fmt.Errorf("advance assignment phase: %w", err)
		}
		a.Phase = phase
		a.UpdatedAt = now
	}
	if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
		Updates(map[string]any{"phase": phase, "updated_at": now}).Error; err != nil {
		return false, false, nil, fmt.Errorf("advance lot phase: %w", err)
	}
	lot.Phase = phase
	lot.UpdatedAt = now

	members, err := memberBatchIDs(tx, lot.ID)
	if err != nil {
		return false, false, nil, err
	}
	if err := e.record(tx, scope, members, lot.ID, timeline.EventPhaseAdvanced,
		fmt.Sprintf("lot %s advanced from %s to %s", lot.Code, from, phase),
		timeline.Payload{"from": string(from), "to": string(phase)}); err != nil {
		return false, false, nil, err
	}
	batches, err = e.projectBatchesTx(tx, scope, members, now)
	if err != nil {
		return false, false, nil, err
	}
	return true, activated, batches, nil
}

func (e *Engine) activateTx(tx *gorm.DB, scope Scope, lot *Lot, a *TankAssignment, now time.Time) error {
	if err := tx.Model(&TankAssignment{}).Where("id = ?", a.ID).Updates(map[string]any{
		"status":       AssignmentStatusActive,
		"actual_start": now,
		"updated_at":   now,
	}).Error; err != nil {
		return fmt.Errorf("activate assignment: %w", err)
	}
	a.Status = AssignmentStatusActive
	a.ActualStart = timePtr(now)

	if lot.Status == LotStatusPlanned {
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Updates(map[string]any{"status": LotStatusActive, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("activate lot: %w", err)
		}
		lot.Status = LotStatusActive
	}

	members, err := memberBatchIDs(tx, lot.ID)
	if err != nil {
		return err
	}
	return e.record(tx, scope, members, lot.ID, timeline.EventAssignmentActivated,
		fmt.Sprintf("assignment %s started", a.ID),
		timeline.Payload{"assignmentId": a.ID, "tankId": a.TankID})
}

// CompleteResult is the outcome of Complete.
type CompleteResult struct {
	Assignment       *TankAssignment
	Lot              *Lot
	Tank             *Tank
	AlreadyCompleted bool
	Batches          []Batch
}

// Complete finishes an assignment: the tank goes to NEEDS_CIP, the lot
// closes and member batches are re-projected. Completing an already
// completed assignment is a no-op.
func (e *Engine) Complete(ctx context.Context, scope Scope, assignmentID string) (*CompleteResult, error) {
	var res *CompleteResult
	err := e.inTx(ctx, scope, "complete_assignment", func(tx *gorm.DB) error {
		now := e.clock()
		a, locked, done, err := e.lockAssignment(tx, scope, assignmentID, AssignmentStatusCompleted)
		if err != nil {
			return err
		}
		if done {
			res = &CompleteResult{Assignment: a, AlreadyCompleted: true}
			return nil
		}

		lot := locked.lots[a.LotID]
		tank := locked.tanks[a.TankID]
		res = &CompleteResult{Assignment: a, Lot: lot, Tank: tank}
		if err := e.releaseAssignmentTx(tx, scope, lot, a, tank, AssignmentStatusCompleted, now); err != nil {
			return err
		}
		if lot.Status.IsOpen() {
			if err := e.closeLotTx(tx, scope, lot, LotStatusCompleted, now); err != nil {
				return err
			}
		}
		res.Batches, err = e.projectLotMembersTx(tx, scope, []string{lot.ID}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelAssignment withdraws an open assignment. A tank that was occupied
// goes to NEEDS_CIP; a tank that was only booked becomes AVAILABLE. The lot
// returns to PLANNED. Cancelling an already cancelled assignment is a no-op.
func (e *Engine) CancelAssignment(ctx context.Context, scope Scope, assignmentID string) (*CompleteResult, error) {
	var res *CompleteResult
	err := e.inTx(ctx, scope, "cancel_assignment", func(tx *gorm.DB) error {
		now := e.clock()
		a, locked, done, err := e.lockAssignment(tx, scope, assignmentID, AssignmentStatusCancelled)
		if err != nil {
			return err
		}
		if done {
			res = &CompleteResult{Assignment: a, AlreadyCompleted: true}
			return nil
		}

		lot := locked.lots[a.LotID]
		tank := locked.tanks[a.TankID]
		res = &CompleteResult{Assignment: a, Lot: lot, Tank: tank}
		if err := e.releaseAssignmentTx(tx, scope, lot, a, tank, AssignmentStatusCancelled, now); err != nil {
			return err
		}
		if lot.Status == LotStatusActive {
			if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
				Updates(map[string]any{"status": LotStatusPlanned, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("return lot to planned: %w", err)
			}
			lot.Status = LotStatusPlanned
		}
		res.Batches, err = e.projectLotMembersTx(tx, scope, []string{lot.ID}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// releaseAssignmentTx closes a and frees its tank. The tank is only touched
// while it is still held by the assignment's lot, so a repeated release
// cannot flip a tank that was since cleaned and rebooked.
func (e *Engine) releaseAssignmentTx(tx *gorm.DB, scope Scope, lot *Lot, a *TankAssignment, tank *Tank, final AssignmentStatus, now time.Time) error {
	wasActive := a.Status == AssignmentStatusActive
	updates := map[string]any{"status": final, "updated_at": now}
	if final == AssignmentStatusCompleted || wasActive {
		updates["actual_end"] = now
		a.ActualEnd = timePtr(now)
	}
	if err := tx.Model(&TankAssignment{}).Where("id = ?", a.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("close assignment: %w", err)
	}
	a.Status = final
	a.UpdatedAt = now

	if tank != nil && tank.Status == TankStatusInUse && sameRef(tank.CurrentLotID, &a.LotID) {
		tankUpdates := map[string]any{"current_lot_id": nil, "updated_at": now}
		if final == AssignmentStatusCompleted || wasActive {
			tankUpdates["status"] = TankStatusNeedsCIP
			tankUpdates["cip_due_at"] = now
			tank.Status = TankStatusNeedsCIP
			tank.CIPDueAt = timePtr(now)
			effectsOf(tx).tankReleases++
		} else {
			tankUpdates["status"] = TankStatusAvailable
			tank.Status = TankStatusAvailable
		}
		if err := tx.Model(&Tank{}).Where("id = ?", tank.ID).Updates(tankUpdates).Error; err != nil {
			return fmt.Errorf("release tank: %w", err)
		}
		tank.CurrentLotID = nil
		tank.UpdatedAt = now
	}

	if sameRef(lot.ActiveAssignmentID, &a.ID) {
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Updates(map[string]any{"active_assignment_id": nil, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("unbind lot: %w", err)
		}
		lot.ActiveAssignmentID = nil
	}

	members, err := memberBatchIDs(tx, lot.ID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		if err := tx.Model(&Batch{}).Where("id IN ?", members).
			Update("last_tank_id", a.TankID).Error; err != nil {
			return fmt.Errorf("update batch tank: %w", err)
		}
	}

	typ := timeline.EventAssignmentCompleted
	if final == AssignmentStatusCancelled {
		typ = timeline.EventAssignmentCancelled
	}
	payload := timeline.Payload{"assignmentId": a.ID, "tankId": a.TankID}
	if tank != nil {
		payload["tankStatus"] = string(tank.Status)
	}
	return e.record(tx, scope, members, lot.ID, typ,
		fmt.Sprintf("assignment %s %s", a.ID, final), payload)
}

// closeLotTx moves an open lot to a closed status. The caller releases any
// assignment first and re-projects member batches afterwards.
func (e *Engine) closeLotTx(tx *gorm.DB, scope Scope, lot *Lot, status LotStatus, now time.Time) error {
	updates := map[string]any{"status": status, "updated_at": now}
	if status == LotStatusCompleted {
		updates["completed_at"] = now
		lot.CompletedAt = timePtr(now)
	}
	if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("close lot: %w", err)
	}
	lot.Status = status
	lot.UpdatedAt = now

	members, err := memberBatchIDs(tx, lot.ID)
	if err != nil {
		return err
	}
	typ := timeline.EventLotCompleted
	if status == LotStatusCancelled {
		typ = timeline.EventLotCancelled
	}
	return e.record(tx, scope, members, lot.ID, typ,
		fmt.Sprintf("lot %s %s", lot.Code, status), timeline.Payload{"lotCode": lot.Code})
}

// TransferRequest moves a lot from its current tank to another one.
type TransferRequest struct {
	ToTankID            string
	Phase               Phase // empty keeps the lot's phase
	Window              Window
	PlannedVolumeLiters float64
	Notes               string
}

// Transfer completes an open assignment without closing its lot and books
// the lot into another tank, atomically. The old tank goes to NEEDS_CIP.
func (e *Engine) Transfer(ctx context.Context, scope Scope, assignmentID string, req TransferRequest) (*TankAssignment, error) {
	if req.ToTankID == "" {
		return nil, Errorf(CodeInvalidArgument, "toTankId is required")
	}
	if !req.Window.Valid() {
		return nil, Errorf(CodeInvalidArgument, "planned end must be after planned start")
	}
	var out *TankAssignment
	err := e.inTx(ctx, scope, "transfer", func(tx *gorm.DB) error {
		now := e.clock()
		peek, err := getOne[TankAssignment](tx, "assignment", scope.TenantID, assignmentID)
		if err != nil {
			return err
		}
		if peek.TankID == req.ToTankID {
			return Errorf(CodeInvalidArgument, "lot is already in tank %s", req.ToTankID)
		}
		first, second := peek.TankID, req.ToTankID
		if second < first {
			first, second = second, first
		}
		for _, id := range []string{first, second} {
			if _, err := lockOne[Tank](tx, "tank", scope.TenantID, id); err != nil {
				return err
			}
		}

		a, locked, _, err := e.lockAssignment(tx, scope, assignmentID)
		if err != nil {
			return err
		}
		lot := locked.lots[a.LotID]
		if !lot.Status.IsOpen() {
			return Errorf(CodeInvalidStatusTransition, "lot %s is %s", lot.Code, lot.Status)
		}
		phase := req.Phase
		if phase == "" {
			phase = lot.Phase
		}
		fromTank := a.TankID
		final := AssignmentStatusCompleted
		if a.Status == AssignmentStatusPlanned {
			// Never occupied the old tank.
			final = AssignmentStatusCancelled
		}
		if err := e.releaseAssignmentTx(tx, scope, lot, a, locked.tanks[a.TankID], final, now); err != nil {
			return err
		}

		out, err = e.assignTx(tx, scope, AssignRequest{
			TankID:              req.ToTankID,
			LotID:               lot.ID,
			Phase:               phase,
			Window:              req.Window,
			PlannedVolumeLiters: req.PlannedVolumeLiters,
			Notes:               req.Notes,
		}, now)
		if err != nil {
			return err
		}

		members, err := memberBatchIDs(tx, lot.ID)
		if err != nil {
			return err
		}
		return e.record(tx, scope, members, lot.ID, timeline.EventLotTransferred,
			fmt.Sprintf("lot %s transferred", lot.Code),
			timeline.Payload{"fromTankId": fromTank, "toTankId": req.ToTankID, "assignmentId": out.ID})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActivateDue activates PLANNED assignments whose planned start is at or
// before now, across all tenants. It returns how many were activated.
func (e *Engine) ActivateDue(ctx context.Context, now time.Time) (int, error) {
	var due []TankAssignment
	if err := e.db.WithContext(ctx).
		Where("status = ? AND planned_start <= ?", AssignmentStatusPlanned, now.UTC()).
		Order("planned_start").Limit(200).Find(&due).Error; err != nil {
		return 0, fmt.Errorf("list due assignments: %w", err)
	}

	activated := 0
	var errs []error
	for i := range due {
		scope := Scope{TenantID: due[i].TenantID, User: SystemActor}
		var did bool
		err := e.inTx(ctx, scope, "activate", func(tx *gorm.DB) error {
			did = false
			a, locked, done, err := e.lockAssignment(tx, scope, due[i].ID,
				AssignmentStatusActive, AssignmentStatusCompleted, AssignmentStatusCancelled)
			if err != nil || done {
				return err
			}
			lot := locked.lots[a.LotID]
			if err := e.activateTx(tx, scope, lot, a, now.UTC()); err != nil {
				return err
			}
			if _, err := e.projectLotMembersTx(tx, scope, []string{lot.ID}, now.UTC()); err != nil {
				return err
			}
			did = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("activate assignment %s: %w", due[i].ID, err))
			continue
		}
		if did {
			activated++
		}
	}
	return activated, errors.Join(errs...)
}
