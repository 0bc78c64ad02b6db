// Package calendar answers tank occupancy queries for the production
// calendar: one block per tank assignment overlapping a time range, with
// the tank, lot and batch summaries a calendar view needs.
package calendar

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/production"
)

// PhaseColors maps each phase to the color its blocks are drawn in.
var PhaseColors = map[production.Phase]string{
	production.PhaseFermentation: "#f59e0b",
	production.PhaseConditioning: "#3b82f6",
	production.PhaseBright:       "#10b981",
	production.PhasePackaging:    "#8b5cf6",
}

// Badges attached to blocks.
const (
	BadgeBlend     = "blend"
	BadgeSplit     = "split"
	BadgeOverdue   = "overdue"
	BadgeCompleted = "completed"
)

// blockStatuses are the assignment statuses shown on the calendar.
var blockStatuses = []production.AssignmentStatus{
	production.AssignmentStatusPlanned,
	production.AssignmentStatusActive,
	production.AssignmentStatusCompleted,
}

// Query selects the blocks to return. Start and End bound a half-open range.
type Query struct {
	Start  time.Time
	End    time.Time
	TankID string
}

// TankSummary is the tank a block is drawn on.
type TankSummary struct {
	ID             string
	Name           string
	Kind           string
	CapacityLiters float64
	Status         production.TankStatus
}

// LotSummary is the lot occupying the tank.
type LotSummary struct {
	ID          string
	Code        string
	Status      production.LotStatus
	Phase       production.Phase
	ParentLotID *string
}

// BatchSummary is one batch in the lot.
type BatchSummary struct {
	ID          string
	BatchNumber string
	RecipeRef   string
	Status      production.BatchStatus
}

// Block is one assignment as drawn on the calendar.
type Block struct {
	AssignmentID        string
	Status              production.AssignmentStatus
	Phase               production.Phase
	Color               string
	Start               time.Time
	End                 time.Time
	ActualStart         *time.Time
	ActualEnd           *time.Time
	PlannedVolumeLiters float64
	UtilizationPercent  float64
	Badges              []string
	Tank                TankSummary
	Lot                 LotSummary
	Batches             []BatchSummary
}

// Service reads calendar blocks.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService creates a Service. now may be nil, in which case the wall clock
// is used.
func NewService(db *gorm.DB, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, now: now}
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Blocks returns the tenant's PLANNED, ACTIVE and COMPLETED assignments whose
// planned window overlaps q, ordered by tank name and start.
func (s *Service) Blocks(ctx context.Context, tenantID string, q Query) ([]Block, error) {
	db := s.db.WithContext(ctx)
	query := db.Where("tenant_id = ? AND status IN ? AND planned_start < ? AND planned_end > ?",
		tenantID, blockStatuses, q.End.UTC(), q.Start.UTC())
	if q.TankID != "" {
		query = query.Where("tank_id = ?", q.TankID)
	}
	var assignments []production.TankAssignment
	if err := query.Order("planned_start").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	if len(assignments) == 0 {
		return []Block{}, nil
	}

	tankIDs := mapset.NewThreadUnsafeSet[string]()
	lotIDs := mapset.NewThreadUnsafeSet[string]()
	for _, a := range assignments {
		tankIDs.Add(a.TankID)
		lotIDs.Add(a.LotID)
	}

	var tanks []production.Tank
	if err := db.Where("tenant_id = ? AND id IN ?", tenantID, tankIDs.ToSlice()).Find(&tanks).Error; err != nil {
		return nil, fmt.Errorf("load tanks: %w", err)
	}
	tankByID := make(map[string]*production.Tank, len(tanks))
	for i := range tanks {
		tankByID[tanks[i].ID] = &tanks[i]
	}

	var lots []production.Lot
	if err := db.Where("tenant_id = ? AND id IN ?", tenantID, lotIDs.ToSlice()).Find(&lots).Error; err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	lotByID := make(map[string]*production.Lot, len(lots))
	for i := range lots {
		lotByID[lots[i].ID] = &lots[i]
	}

	members, err := s.members(db, tenantID, lotIDs.ToSlice())
	if err != nil {
		return nil, err
	}

	now := s.Now()
	blocks := make([]Block, 0, len(assignments))
	for i := range assignments {
		a := &assignments[i]
		tank, lot := tankByID[a.TankID], lotByID[a.LotID]
		if tank == nil || lot == nil {
			continue
		}
		blocks = append(blocks, buildBlock(a, tank, lot, members[lot.ID], now))
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Tank.Name != blocks[j].Tank.Name {
			return blocks[i].Tank.Name < blocks[j].Tank.Name
		}
		return blocks[i].Start.Before(blocks[j].Start)
	})
	return blocks, nil
}

// members loads the batches of each lot, keyed by lot id.
func (s *Service) members(db *gorm.DB, tenantID string, lotIDs []string) (map[string][]BatchSummary, error) {
	var rows []struct {
		LotID       string
		ID          string
		BatchNumber string
		RecipeRef   string
		Status      production.BatchStatus
	}
	err := db.Table("lot_members").
		Select("lot_members.lot_id, batches.id, batches.batch_number, batches.recipe_ref, batches.status").
		Joins("JOIN batches ON batches.id = lot_members.batch_id").
		Where("batches.tenant_id = ? AND lot_members.lot_id IN ?", tenantID, lotIDs).
		Order("batches.batch_number").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load lot members: %w", err)
	}
	out := make(map[string][]BatchSummary, len(lotIDs))
	for _, r := range rows {
		out[r.LotID] = append(out[r.LotID], BatchSummary{
			ID:          r.ID,
			BatchNumber: r.BatchNumber,
			RecipeRef:   r.RecipeRef,
			Status:      r.Status,
		})
	}
	return out, nil
}

func buildBlock(a *production.TankAssignment, tank *production.Tank, lot *production.Lot, batches []BatchSummary, now time.Time) Block {
	b := Block{
		AssignmentID:        a.ID,
		Status:              a.Status,
		Phase:               a.Phase,
		Color:               PhaseColors[a.Phase],
		Start:               a.PlannedStart.UTC(),
		End:                 a.PlannedEnd.UTC(),
		ActualStart:         a.ActualStart,
		ActualEnd:           a.ActualEnd,
		PlannedVolumeLiters: a.PlannedVolumeLiters,
		UtilizationPercent:  Utilization(a.PlannedVolumeLiters, tank.CapacityLiters),
		Badges:              []string{},
		Tank: TankSummary{
			ID:             tank.ID,
			Name:           tank.Name,
			Kind:           tank.Kind,
			CapacityLiters: tank.CapacityLiters,
			Status:         tank.Status,
		},
		Lot: LotSummary{
			ID:          lot.ID,
			Code:        lot.Code,
			Status:      lot.Status,
			Phase:       lot.Phase,
			ParentLotID: lot.ParentLotID,
		},
		Batches: batches,
	}
	if b.Batches == nil {
		b.Batches = []BatchSummary{}
	}
	if len(batches) > 1 {
		b.Badges = append(b.Badges, BadgeBlend)
	}
	if lot.ParentLotID != nil {
		b.Badges = append(b.Badges, BadgeSplit)
	}
	if a.Status == production.AssignmentStatusActive && a.PlannedEnd.Before(now) {
		b.Badges = append(b.Badges, BadgeOverdue)
	}
	if a.Status == production.AssignmentStatusCompleted {
		b.Badges = append(b.Badges, BadgeCompleted)
	}
	return b
}

// Utilization is planned volume as a percentage of capacity, rounded to one
// decimal. A tank without a capacity reports 0.
func Utilization(volume, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(volume/capacity*1000) / 10
}
