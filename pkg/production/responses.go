package production

import "time"

type tankResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Kind           string  `json:"kind,omitempty"`
	CapacityLiters float64 `json:"capacityLiters"`
	Status         string  `json:"status"`
	CurrentLotID   *string `json:"currentLotId,omitempty"`
	CIPDueAt       *string `json:"cipDueAt,omitempty"`
	LastCleanedAt  *string `json:"lastCleanedAt,omitempty"`
	StatusNotes    string  `json:"statusNotes,omitempty"`
	UpdatedAt      string  `json:"updatedAt"`
}

func tankToResponse(t *Tank) tankResponse {
	return tankResponse{
		ID:             t.ID,
		Name:           t.Name,
		Kind:           t.Kind,
		CapacityLiters: t.CapacityLiters,
		Status:         string(t.Status),
		CurrentLotID:   t.CurrentLotID,
		CIPDueAt:       formatTimePtr(t.CIPDueAt),
		LastCleanedAt:  formatTimePtr(t.LastCleanedAt),
		StatusNotes:    t.StatusNotes,
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
}

type batchResponse struct {
	ID                 string  `json:"id"`
	BatchNumber        string  `json:"batchNumber"`
	RecipeRef          string  `json:"recipeRef,omitempty"`
	VolumeLiters       float64 `json:"volumeLiters"`
	Status             string  `json:"status"`
	Notes              string  `json:"notes,omitempty"`
	BrewStartedAt      *string `json:"brewStartedAt,omitempty"`
	CompletedAt        *string `json:"completedAt,omitempty"`
	LastTankID         *string `json:"lastTankId,omitempty"`
	PackageType        string  `json:"packageType,omitempty"`
	PackagedQuantity   int     `json:"packagedQuantity,omitempty"`
	PackagingStartedAt *string `json:"packagingStartedAt,omitempty"`
	UpdatedAt          string  `json:"updatedAt"`
}

func batchToResponse(b *Batch) batchResponse {
	return batchResponse{
		ID:                 b.ID,
		BatchNumber:        b.BatchNumber,
		RecipeRef:          b.RecipeRef,
		VolumeLiters:       b.VolumeLiters,
		Status:             string(b.Status),
		Notes:              b.Notes,
		BrewStartedAt:      formatTimePtr(b.BrewStartedAt),
		CompletedAt:        formatTimePtr(b.CompletedAt),
		LastTankID:         b.LastTankID,
		PackageType:        b.PackageType,
		PackagedQuantity:   b.PackagedQuantity,
		PackagingStartedAt: formatTimePtr(b.PackagingStartedAt),
		UpdatedAt:          formatTime(b.UpdatedAt),
	}
}

type lotResponse struct {
	ID                 string   `json:"id"`
	Code               string   `json:"code"`
	Status             string   `json:"status"`
	Phase              string   `json:"phase"`
	ParentLotID        *string  `json:"parentLotId,omitempty"`
	AbsorbedIntoLotID  *string  `json:"absorbedIntoLotId,omitempty"`
	VolumeFraction     float64  `json:"volumeFraction"`
	VolumeLiters       float64  `json:"volumeLiters"`
	ActiveAssignmentID *string  `json:"activeAssignmentId,omitempty"`
	CompletedAt        *string  `json:"completedAt,omitempty"`
	BatchIDs           []string `json:"batchIds,omitempty"`
}

func lotToResponse(l *Lot) lotResponse {
	return lotResponse{
		ID:                 l.ID,
		Code:               l.Code,
		Status:             string(l.Status),
		Phase:              string(l.Phase),
		ParentLotID:        l.ParentLotID,
		AbsorbedIntoLotID:  l.AbsorbedIntoLotID,
		VolumeFraction:     l.VolumeFraction,
		VolumeLiters:       l.VolumeLiters,
		ActiveAssignmentID: l.ActiveAssignmentID,
		CompletedAt:        formatTimePtr(l.CompletedAt),
	}
}

func lotsToResponse(lots []Lot) []lotResponse {
	out := make([]lotResponse, len(lots))
	for i := range lots {
		out[i] = lotToResponse(&lots[i])
	}
	return out
}

type assignmentResponse struct {
	ID                  string   `json:"id"`
	TankID              string   `json:"tankId"`
	LotID               string   `json:"lotId"`
	Phase               string   `json:"phase"`
	Status              string   `json:"status"`
	PlannedStart        string   `json:"plannedStart"`
	PlannedEnd          string   `json:"plannedEnd"`
	ActualStart         *string  `json:"actualStart,omitempty"`
	ActualEnd           *string  `json:"actualEnd,omitempty"`
	PlannedVolumeLiters float64  `json:"plannedVolumeLiters"`
	ActualVolumeLiters  *float64 `json:"actualVolumeLiters,omitempty"`
	Notes               string   `json:"notes,omitempty"`
}

func assignmentToResponse(a *TankAssignment) assignmentResponse {
	return assignmentResponse{
		ID:                  a.ID,
		TankID:              a.TankID,
		LotID:               a.LotID,
		Phase:               string(a.Phase),
		Status:              string(a.Status),
		PlannedStart:        formatTime(a.PlannedStart),
		PlannedEnd:          formatTime(a.PlannedEnd),
		ActualStart:         formatTimePtr(a.ActualStart),
		ActualEnd:           formatTimePtr(a.ActualEnd),
		PlannedVolumeLiters: a.PlannedVolumeLiters,
		ActualVolumeLiters:  a.ActualVolumeLiters,
		Notes:               a.Notes,
	}
}

type lineageResponse struct {
	Lot          lotResponse         `json:"lot"`
	Parent       *lotResponse        `json:"parent,omitempty"`
	Children     []lotResponse       `json:"children"`
	Absorbed     []lotResponse       `json:"absorbed"`
	AbsorbedInto *lotResponse        `json:"absorbedInto,omitempty"`
	Members      []batchResponse     `json:"members"`
	Assignment   *assignmentResponse `json:"assignment,omitempty"`
}

func lineageToResponse(l *LotLineage) lineageResponse {
	out := lineageResponse{
		Lot:      lotToResponse(&l.Lot),
		Children: lotsToResponse(l.Children),
		Absorbed: lotsToResponse(l.Absorbed),
		Members:  make([]batchResponse, len(l.Members)),
	}
	if l.Parent != nil {
		p := lotToResponse(l.Parent)
		out.Parent = &p
	}
	if l.AbsorbedInto != nil {
		a := lotToResponse(l.AbsorbedInto)
		out.AbsorbedInto = &a
	}
	for i := range l.Members {
		out.Members[i] = batchToResponse(&l.Members[i])
		out.Lot.BatchIDs = append(out.Lot.BatchIDs, l.Members[i].ID)
	}
	if l.Assignment != nil {
		a := assignmentToResponse(l.Assignment)
		out.Assignment = &a
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
