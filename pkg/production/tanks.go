package production

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateTankRequest registers a vessel.
type CreateTankRequest struct {
	Name           string
	Kind           string
	CapacityLiters float64
}

// CreateTank registers an AVAILABLE tank.
func (e *Engine) CreateTank(ctx context.Context, scope Scope, req CreateTankRequest) (*Tank, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Errorf(CodeInvalidArgument, "tank name is required")
	}
	if req.CapacityLiters <= 0 {
		return nil, Errorf(CodeInvalidArgument, "tank capacity must be positive")
	}
	var out *Tank
	err := e.inTx(ctx, scope, "create_tank", func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Tank{}).Where("tenant_id = ? AND name = ?", scope.TenantID, name).Count(&n).Error; err != nil {
			return fmt.Errorf("check tank name: %w", err)
		}
		if n > 0 {
			return Errorf(CodeInvalidArgument, "tank %s already exists", name)
		}
		now := e.clock()
		out = &Tank{
			ID:             uuid.New().String(),
			TenantID:       scope.TenantID,
			Name:           name,
			Kind:           req.Kind,
			CapacityLiters: req.CapacityLiters,
			Status:         TankStatusAvailable,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(out).Error; err != nil {
			return fmt.Errorf("create tank: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTank returns a tank.
func (e *Engine) GetTank(ctx context.Context, scope Scope, tankID string) (*Tank, error) {
	return getOne[Tank](e.db.WithContext(ctx), "tank", scope.TenantID, tankID)
}

// ListTanks returns the tenant's tanks, optionally filtered by status.
func (e *Engine) ListTanks(ctx context.Context, scope Scope, status TankStatus) ([]Tank, error) {
	q := e.db.WithContext(ctx).Where("tenant_id = ?", scope.TenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var tanks []Tank
	if err := q.Order("name").Find(&tanks).Error; err != nil {
		return nil, fmt.Errorf("list tanks: %w", err)
	}
	return tanks, nil
}

// SetTankStatus is the external override for cleaning and maintenance.
// IN_USE is reserved for Assign, and a tank holding an open assignment
// cannot be overridden until the assignment completes or is cancelled.
func (e *Engine) SetTankStatus(ctx context.Context, scope Scope, tankID string, status TankStatus, notes string) (*Tank, error) {
	if !status.Valid() {
		return nil, Errorf(CodeInvalidArgument, "unknown tank status %q", status)
	}
	if status == TankStatusInUse {
		return nil, Errorf(CodeInvalidStatusTransition, "tanks become %s only through an assignment", TankStatusInUse)
	}
	var out *Tank
	err := e.inTx(ctx, scope, "set_tank_status", func(tx *gorm.DB) error {
		now := e.clock()
		tank, err := lockOne[Tank](tx, "tank", scope.TenantID, tankID)
		if err != nil {
			return err
		}
		var open int64
		if err := tx.Model(&TankAssignment{}).
			Where("tenant_id = ? AND tank_id = ? AND status IN ?", scope.TenantID, tank.ID, openAssignmentStatuses).
			Count(&open).Error; err != nil {
			return fmt.Errorf("count tank assignments: %w", err)
		}
		if open > 0 {
			return Errorf(CodeInvalidStatusTransition, "tank %s has %d open assignment(s)", tank.Name, open)
		}

		updates := map[string]any{
			"status":         status,
			"status_notes":   notes,
			"current_lot_id": nil,
			"updated_at":     now,
		}
		switch status {
		case TankStatusAvailable:
			updates["cip_due_at"] = nil
			updates["last_cleaned_at"] = now
			tank.CIPDueAt = nil
			tank.LastCleanedAt = timePtr(now)
		case TankStatusNeedsCIP:
			if tank.CIPDueAt == nil {
				updates["cip_due_at"] = now
				tank.CIPDueAt = timePtr(now)
			}
		}
		if err := tx.Model(&Tank{}).Where("id = ?", tank.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update tank status: %w", err)
		}
		e.logger.Info("tank status changed", "tenant", scope.TenantID, "tank", tank.Name,
			"from", tank.Status, "to", status, "actor", scope.actor())
		tank.Status = status
		tank.StatusNotes = notes
		tank.CurrentLotID = nil
		tank.UpdatedAt = now
		out = tank
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
