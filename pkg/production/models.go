// Package production implements the brewery production engine: the tank
// registry, the batch ledger, lot lineage (blend and split), the tank
// assignment scheduler and the batch status projection. Every mutating
// operation runs as a single read-modify-write transaction so concurrent
// callers cannot double-book a tank or complete a batch on stale lineage.
package production

import (
	"time"
)

// TankStatus is the availability of a physical vessel.
type TankStatus string

const (
	TankStatusAvailable   TankStatus = "AVAILABLE"
	TankStatusInUse       TankStatus = "IN_USE"
	TankStatusNeedsCIP    TankStatus = "NEEDS_CIP"
	TankStatusMaintenance TankStatus = "MAINTENANCE"
)

// Valid reports whether s is a known tank status.
func (s TankStatus) Valid() bool {
	switch s {
	case TankStatusAvailable, TankStatusInUse, TankStatusNeedsCIP, TankStatusMaintenance:
		return true
	}
	return false
}

// BatchStatus tracks a brew through its lifecycle.
type BatchStatus string

const (
	BatchStatusPlanned      BatchStatus = "PLANNED"
	BatchStatusBrewing      BatchStatus = "BREWING"
	BatchStatusFermenting   BatchStatus = "FERMENTING"
	BatchStatusConditioning BatchStatus = "CONDITIONING"
	BatchStatusReady        BatchStatus = "READY"
	BatchStatusPackaging    BatchStatus = "PACKAGING"
	BatchStatusCompleted    BatchStatus = "COMPLETED"
	BatchStatusCancelled    BatchStatus = "CANCELLED"
)

// IsTerminal returns true for COMPLETED and CANCELLED.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled
}

// LotStatus is the reduced status of a lot.
type LotStatus string

const (
	LotStatusPlanned   LotStatus = "PLANNED"
	LotStatusActive    LotStatus = "ACTIVE"
	LotStatusCompleted LotStatus = "COMPLETED"
	LotStatusCancelled LotStatus = "CANCELLED"
)

// IsOpen returns true while the lot can still change.
func (s LotStatus) IsOpen() bool {
	return s == LotStatusPlanned || s == LotStatusActive
}

// AssignmentStatus is the state of a tank booking.
type AssignmentStatus string

const (
	AssignmentStatusPlanned   AssignmentStatus = "PLANNED"
	AssignmentStatusActive    AssignmentStatus = "ACTIVE"
	AssignmentStatusCompleted AssignmentStatus = "COMPLETED"
	AssignmentStatusCancelled AssignmentStatus = "CANCELLED"
)

// IsOpen returns true for PLANNED and ACTIVE assignments. Only open
// assignments take part in overlap checks.
func (s AssignmentStatus) IsOpen() bool {
	return s == AssignmentStatusPlanned || s == AssignmentStatusActive
}

var openAssignmentStatuses = []AssignmentStatus{AssignmentStatusPlanned, AssignmentStatusActive}

var openLotStatuses = []LotStatus{LotStatusPlanned, LotStatusActive}

// Tank is the GORM model for a physical vessel.
type Tank struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID       string     `gorm:"column:tenant_id;size:64;uniqueIndex:idx_tank_tenant_name,priority:1;not null"`
	Name           string     `gorm:"column:name;size:255;uniqueIndex:idx_tank_tenant_name,priority:2;not null"`
	Kind           string     `gorm:"column:kind"`
	CapacityLiters float64    `gorm:"column:capacity_liters;not null"`
	Status         TankStatus `gorm:"column:status;size:32;index;not null;default:AVAILABLE"`
	CurrentLotID   *string    `gorm:"column:current_lot_id;type:varchar(36)"`
	CIPDueAt       *time.Time `gorm:"column:cip_due_at"`
	LastCleanedAt  *time.Time `gorm:"column:last_cleaned_at"`
	StatusNotes    string     `gorm:"column:status_notes"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Tank) TableName() string { return "tanks" }

// Batch is the GORM model for one brew cycle.
type Batch struct {
	ID                 string      `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID           string      `gorm:"column:tenant_id;size:64;uniqueIndex:idx_batch_tenant_number,priority:1;not null"`
	BatchNumber        string      `gorm:"column:batch_number;size:128;uniqueIndex:idx_batch_tenant_number,priority:2;not null"`
	RecipeRef          string      `gorm:"column:recipe_ref"`
	VolumeLiters       float64     `gorm:"column:volume_liters"`
	Status             BatchStatus `gorm:"column:status;size:32;index;not null;default:PLANNED"`
	Notes              string      `gorm:"column:notes"`
	BrewStartedAt      *time.Time  `gorm:"column:brew_started_at"`
	CompletedAt        *time.Time  `gorm:"column:completed_at"`
	LastTankID         *string     `gorm:"column:last_tank_id;type:varchar(36)"`
	PackageType        string      `gorm:"column:package_type"`
	PackagedQuantity   int         `gorm:"column:packaged_quantity"`
	PackagingStartedAt *time.Time  `gorm:"column:packaging_started_at"`
	CreatedAt          time.Time   `gorm:"column:created_at"`
	UpdatedAt          time.Time   `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Batch) TableName() string { return "batches" }

// Lot is the GORM model for a physical lot of liquid. Lineage is held as
// explicit references: ParentLotID for split children and
// AbsorbedIntoLotID for lots consumed by a blend.
type Lot struct {
	ID                 string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID           string     `gorm:"column:tenant_id;size:64;uniqueIndex:idx_lot_tenant_code,priority:1;not null"`
	Code               string     `gorm:"column:code;size:128;uniqueIndex:idx_lot_tenant_code,priority:2;not null"`
	Status             LotStatus  `gorm:"column:status;size:32;index;not null;default:PLANNED"`
	Phase              Phase      `gorm:"column:phase;size:32;not null"`
	ParentLotID        *string    `gorm:"column:parent_lot_id;index;type:varchar(36)"`
	AbsorbedIntoLotID  *string    `gorm:"column:absorbed_into_lot_id;index;type:varchar(36)"`
	VolumeFraction     float64    `gorm:"column:volume_fraction;default:1"`
	VolumeLiters       float64    `gorm:"column:volume_liters"`
	ActiveAssignmentID *string    `gorm:"column:active_assignment_id;type:varchar(36)"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (Lot) TableName() string { return "lots" }

// LotMember is the membership edge between a lot and a batch. Retired edges
// belong to an abandoned lineage of the batch: they stay for history but no
// longer count towards its status.
type LotMember struct {
	LotID   string    `gorm:"primaryKey;column:lot_id;type:varchar(36)"`
	BatchID string    `gorm:"primaryKey;column:batch_id;index;type:varchar(36)"`
	AddedAt time.Time `gorm:"column:added_at"`
	Retired bool      `gorm:"column:retired;not null;default:false"`
}

// TableName returns the GORM table name.
func (LotMember) TableName() string { return "lot_members" }

// TankAssignment is the GORM model for a booking of a tank by a lot.
type TankAssignment struct {
	ID                  string           `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID            string           `gorm:"column:tenant_id;size:64;index:idx_assignment_tank,priority:1;not null"`
	TankID              string           `gorm:"column:tank_id;index:idx_assignment_tank,priority:2;type:varchar(36);not null"`
	LotID               string           `gorm:"column:lot_id;index;type:varchar(36);not null"`
	Phase               Phase            `gorm:"column:phase;size:32;not null"`
	Status              AssignmentStatus `gorm:"column:status;size:32;index:idx_assignment_tank,priority:3;not null"`
	PlannedStart        time.Time        `gorm:"column:planned_start;not null"`
	PlannedEnd          time.Time        `gorm:"column:planned_end;not null"`
	ActualStart         *time.Time       `gorm:"column:actual_start"`
	ActualEnd           *time.Time       `gorm:"column:actual_end"`
	PlannedVolumeLiters float64          `gorm:"column:planned_volume_liters"`
	ActualVolumeLiters  *float64         `gorm:"column:actual_volume_liters"`
	Notes               string           `gorm:"column:notes"`
	CreatedAt           time.Time        `gorm:"column:created_at"`
	UpdatedAt           time.Time        `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (TankAssignment) TableName() string { return "tank_assignments" }

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window has positive length.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

// Overlaps reports whether two half-open windows intersect. Windows that
// only touch at an endpoint do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// UTC returns the window with both endpoints in UTC.
func (w Window) UTC() Window {
	return Window{Start: w.Start.UTC(), End: w.End.UTC()}
}

func (a *TankAssignment) window() Window {
	return Window{Start: a.PlannedStart, End: a.PlannedEnd}
}

// AllModels lists every model owned by this package, in migration order.
func AllModels() []any {
	return []any{&Tank{}, &Batch{}, &Lot{}, &LotMember{}, &TankAssignment{}}
}
