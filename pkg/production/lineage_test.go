package production

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberSet(t *testing.T, e *Engine, lotID string) []string {
	t.Helper()
	_, members, err := e.GetLot(context.Background(), testScope, lotID)
	require.NoError(t, err)
	return members
}

func TestBlendUnionsMembershipAndAbsorbsInputs(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	t1 := createTank(t, engine, "FV1", 5000)
	t2 := createTank(t, engine, "FV2", 5000)
	b1 := createBatch(t, engine, "2026-010")
	b2 := createBatch(t, engine, "2026-011")

	r1, err := engine.AssignBatch(ctx, testScope, b1.ID, AssignBatchRequest{TankID: t1.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	r2, err := engine.AssignBatch(ctx, testScope, b2.ID, AssignBatchRequest{TankID: t2.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)

	blend, err := engine.Blend(ctx, testScope, BlendRequest{
		LotIDs:    []string{r1.Lot.ID, r2.Lot.ID},
		IntoLotID: r1.Lot.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, LotStatusActive, blend.Status)
	assert.Equal(t, PhaseFermentation, blend.Phase)
	assert.InDelta(t, 2000, blend.VolumeLiters, 1e-9)
	assert.Contains(t, blend.Code, "BL-")
	assert.ElementsMatch(t, []string{b1.ID, b2.ID}, memberSet(t, engine, blend.ID))

	for _, id := range []string{r1.Lot.ID, r2.Lot.ID} {
		in := reloadLot(t, db, id)
		assert.Equal(t, LotStatusCompleted, in.Status)
		require.NotNil(t, in.AbsorbedIntoLotID)
		assert.Equal(t, blend.ID, *in.AbsorbedIntoLotID)
	}

	// The blend took over FV1; FV2 stays occupied until its own assignment ends.
	tank1 := reloadTank(t, db, t1.ID)
	assert.Equal(t, TankStatusInUse, tank1.Status)
	require.NotNil(t, tank1.CurrentLotID)
	assert.Equal(t, blend.ID, *tank1.CurrentLotID)
	assert.Equal(t, blend.ID, reloadAssignment(t, db, r1.Assignment.ID).LotID)
	assert.Equal(t, TankStatusInUse, reloadTank(t, db, t2.ID).Status)

	assert.Equal(t, BatchStatusFermenting, reloadBatch(t, db, b1.ID).Status)
	assert.Equal(t, BatchStatusFermenting, reloadBatch(t, db, b2.ID).Status)

	_, err = engine.Complete(ctx, testScope, r2.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, TankStatusNeedsCIP, reloadTank(t, db, t2.ID).Status)
	assert.Equal(t, BatchStatusFermenting, reloadBatch(t, db, b2.ID).Status, "blend lot is still open")

	lineage, err := engine.Lineage(ctx, testScope, blend.ID)
	require.NoError(t, err)
	assert.Len(t, lineage.Absorbed, 2)
	assert.Len(t, lineage.Members, 2)
	require.NotNil(t, lineage.Assignment)
	assert.Equal(t, r1.Assignment.ID, lineage.Assignment.ID)
}

func TestBlendRejections(t *testing.T) {
	engine, db, _ := setupTestEngine(t)
	ctx := context.Background()
	ferm := seedLot(t, engine, db, "L1", PhaseFermentation)
	cond := seedLot(t, engine, db, "L2", PhaseConditioning)
	pkgA := seedLot(t, engine, db, "L3", PhasePackaging)
	pkgB := seedLot(t, engine, db, "L4", PhasePackaging)

	_, err := engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{ferm.ID}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{ferm.ID, ferm.ID}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{ferm.ID, cond.ID}})
	assert.True(t, errors.Is(err, ErrIncompatiblePhase))

	_, err = engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{pkgA.ID, pkgB.ID}})
	assert.True(t, errors.Is(err, ErrInvalidStatusTransition))

	_, err = engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{ferm.ID, "missing"}})
	assert.True(t, errors.Is(err, ErrNotFound))

	// Nothing was absorbed by the failed attempts.
	assert.Equal(t, LotStatusPlanned, reloadLot(t, db, ferm.ID).Status)
	assert.Nil(t, reloadLot(t, db, ferm.ID).AbsorbedIntoLotID)
}

func TestSplitReplicatesMembership(t *testing.T) {
	engine, db, _ := setupTestEngine(t)
	ctx := context.Background()
	parent := seedLot(t, engine, db, "L1", PhaseConditioning)

	children, err := engine.Split(ctx, testScope, parent.ID, []SplitSpec{
		{Suffix: "A", Fraction: 0.6},
		{Suffix: "B", Fraction: 0.4},
	})
	require.NoError(t, err)
	require.Len(t, children, 2)

	parentMembers := memberSet(t, engine, parent.ID)
	var sum float64
	for _, c := range children {
		require.NotNil(t, c.ParentLotID)
		assert.Equal(t, parent.ID, *c.ParentLotID)
		assert.Equal(t, PhaseConditioning, c.Phase)
		assert.Equal(t, LotStatusPlanned, c.Status)
		assert.ElementsMatch(t, parentMembers, memberSet(t, engine, c.ID))
		sum += c.VolumeFraction
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, "L1-A", children[0].Code)
	assert.Equal(t, "L1-B", children[1].Code)
	assert.InDelta(t, 600, children[0].VolumeLiters, 1e-9)

	assert.Equal(t, LotStatusPlanned, reloadLot(t, db, parent.ID).Status, "parent stays open")

	lineage, err := engine.Lineage(ctx, testScope, children[0].ID)
	require.NoError(t, err)
	require.NotNil(t, lineage.Parent)
	assert.Equal(t, parent.ID, lineage.Parent.ID)
}

func TestSplitValidation(t *testing.T) {
	engine, db, _ := setupTestEngine(t)
	ctx := context.Background()
	parent := seedLot(t, engine, db, "L1", PhaseFermentation)
	packaged := seedLot(t, engine, db, "L2", PhasePackaging)

	tests := []struct {
		name  string
		lotID string
		specs []SplitSpec
		want  error
	}{
		{"fractions over one", parent.ID, []SplitSpec{{"A", 0.7}, {"B", 0.5}}, ErrInvalidSplit},
		{"empty", parent.ID, nil, ErrInvalidSplit},
		{"zero fraction", parent.ID, []SplitSpec{{"A", 0}}, ErrInvalidSplit},
		{"lowercase suffix", parent.ID, []SplitSpec{{"a", 0.5}}, ErrInvalidSplit},
		{"duplicate suffix", parent.ID, []SplitSpec{{"A", 0.3}, {"A", 0.3}}, ErrInvalidSplit},
		{"packaging parent", packaged.ID, []SplitSpec{{"A", 0.5}}, ErrInvalidStatusTransition},
		{"missing parent", "missing", []SplitSpec{{"A", 0.5}}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Split(ctx, testScope, tt.lotID, tt.specs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	var children int64
	require.NoError(t, db.Model(&Lot{}).Where("parent_lot_id = ?", parent.ID).Count(&children).Error)
	assert.Zero(t, children)

	_, err := engine.Split(ctx, testScope, parent.ID, []SplitSpec{{"A", 0.5}})
	require.NoError(t, err)
	_, err = engine.Split(ctx, testScope, parent.ID, []SplitSpec{{"A", 0.5}})
	assert.True(t, errors.Is(err, ErrInvalidSplit), "suffix already used")
}

func TestCascadeWaitsForEveryBranch(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	t1 := createTank(t, engine, "FV1", 5000)
	t2 := createTank(t, engine, "FV2", 5000)
	b1 := createBatch(t, engine, "2026-020")
	b2 := createBatch(t, engine, "2026-021")

	r1, err := engine.AssignBatch(ctx, testScope, b1.ID, AssignBatchRequest{TankID: t1.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	r2, err := engine.AssignBatch(ctx, testScope, b2.ID, AssignBatchRequest{TankID: t2.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)

	blend, err := engine.Blend(ctx, testScope, BlendRequest{
		LotIDs: []string{r1.Lot.ID, r2.Lot.ID}, IntoLotID: r1.Lot.ID, Code: "BLEND-1",
	})
	require.NoError(t, err)
	children, err := engine.Split(ctx, testScope, blend.ID, []SplitSpec{{"A", 0.5}, {"B", 0.5}})
	require.NoError(t, err)

	_, err = engine.CompleteLot(ctx, testScope, blend.ID)
	require.NoError(t, err)
	assert.Equal(t, TankStatusNeedsCIP, reloadTank(t, db, t1.ID).Status)

	_, err = engine.CompleteLot(ctx, testScope, children[0].ID)
	require.NoError(t, err)
	for _, id := range []string{b1.ID, b2.ID} {
		b := reloadBatch(t, db, id)
		assert.NotEqual(t, BatchStatusCompleted, b.Status, "branch %s is still open", children[1].Code)
		assert.Nil(t, b.CompletedAt)
	}

	res, err := engine.CompleteLot(ctx, testScope, children[1].ID)
	require.NoError(t, err)
	assert.Len(t, res.Batches, 2)
	for _, id := range []string{b1.ID, b2.ID} {
		b := reloadBatch(t, db, id)
		assert.Equal(t, BatchStatusCompleted, b.Status)
		assert.NotNil(t, b.CompletedAt)
	}

	again, err := engine.CompleteLot(ctx, testScope, children[1].ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)
}

func TestProjectionUsesLeastAdvancedBranch(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	tank := createTank(t, engine, "BBT1", 5000)
	parent := seedLot(t, engine, db, "L1", PhaseConditioning)
	children, err := engine.Split(ctx, testScope, parent.ID, []SplitSpec{{"A", 0.5}, {"B", 0.5}})
	require.NoError(t, err)
	batchID := memberSet(t, engine, parent.ID)[0]

	_, err = engine.CompleteLot(ctx, testScope, parent.ID)
	require.NoError(t, err)

	a, err := engine.Assign(ctx, testScope, AssignRequest{TankID: tank.ID, LotID: children[0].ID, Phase: PhaseBright, Window: window(clock, 0, 3)})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, BatchStatusConditioning, reloadBatch(t, db, batchID).Status, "child B still conditioning")

	_, err = engine.AdvanceLotPhase(ctx, testScope, LotPhaseRequest{LotID: children[1].ID, Phase: PhaseBright})
	require.NoError(t, err)
	assert.Equal(t, BatchStatusReady, reloadBatch(t, db, batchID).Status)
}

func TestCancelLotDoesNotCompleteBatch(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	tank := createTank(t, engine, "FV1", 2000)
	batch := createBatch(t, engine, "2026-030")
	_, err := engine.StartBrewing(ctx, testScope, batch.ID)
	require.NoError(t, err)

	res, err := engine.AssignBatch(ctx, testScope, batch.ID, AssignBatchRequest{TankID: tank.ID, Window: window(clock, 0, 7)})
	require.NoError(t, err)

	cancelled, err := engine.CancelLot(ctx, testScope, res.Lot.ID)
	require.NoError(t, err)
	assert.Equal(t, LotStatusCancelled, cancelled.Lot.Status)
	assert.Equal(t, AssignmentStatusCancelled, reloadAssignment(t, db, res.Assignment.ID).Status)
	assert.Equal(t, TankStatusNeedsCIP, reloadTank(t, db, tank.ID).Status)
	assert.Equal(t, BatchStatusBrewing, reloadBatch(t, db, batch.ID).Status)

	_, err = engine.CompleteLot(ctx, testScope, res.Lot.ID)
	assert.True(t, errors.Is(err, ErrInvalidStatusTransition))

	// A fresh assignment gets a new lot code.
	_, err = engine.SetTankStatus(ctx, testScope, tank.ID, TankStatusAvailable, "")
	require.NoError(t, err)
	again, err := engine.AssignBatch(ctx, testScope, batch.ID, AssignBatchRequest{TankID: tank.ID, Window: window(clock, 0, 7)})
	require.NoError(t, err)
	assert.Equal(t, "2026-030-2", again.Lot.Code)

	// The cancelled lot belongs to the abandoned lineage and does not hold
	// the batch back once the new lot completes.
	_, err = engine.CompleteLot(ctx, testScope, again.Lot.ID)
	require.NoError(t, err)
	b := reloadBatch(t, db, batch.ID)
	assert.Equal(t, BatchStatusCompleted, b.Status)
	assert.NotNil(t, b.CompletedAt)

	detail, err := engine.GetBatch(ctx, testScope, batch.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Lots, 2, "history keeps the cancelled lot")
}

func TestCancelledBlendDoesNotCompleteMembers(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	t1 := createTank(t, engine, "FV1", 5000)
	t2 := createTank(t, engine, "FV2", 5000)
	t3 := createTank(t, engine, "FV3", 5000)
	b1 := createBatch(t, engine, "2026-050")
	b2 := createBatch(t, engine, "2026-051")

	r1, err := engine.AssignBatch(ctx, testScope, b1.ID, AssignBatchRequest{TankID: t1.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	r2, err := engine.AssignBatch(ctx, testScope, b2.ID, AssignBatchRequest{TankID: t2.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	blend, err := engine.Blend(ctx, testScope, BlendRequest{LotIDs: []string{r1.Lot.ID, r2.Lot.ID}, IntoLotID: r1.Lot.ID})
	require.NoError(t, err)

	// Both inputs are COMPLETED by absorption; cancelling the blend must not
	// read as a finished batch.
	_, err = engine.CancelLot(ctx, testScope, blend.ID)
	require.NoError(t, err)
	for _, id := range []string{b1.ID, b2.ID} {
		b := reloadBatch(t, db, id)
		assert.Equal(t, BatchStatusPlanned, b.Status)
		assert.Nil(t, b.CompletedAt)
	}

	again, err := engine.AssignBatch(ctx, testScope, b1.ID, AssignBatchRequest{TankID: t3.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	assert.Equal(t, BatchStatusFermenting, reloadBatch(t, db, b1.ID).Status)
	_, err = engine.CompleteLot(ctx, testScope, again.Lot.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusCompleted, reloadBatch(t, db, b1.ID).Status)
	assert.Equal(t, BatchStatusPlanned, reloadBatch(t, db, b2.ID).Status)
}

func TestSplitWithCancelledBranchDoesNotCompleteBatch(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	tank := createTank(t, engine, "FV1", 5000)
	batch := createBatch(t, engine, "2026-060")
	_, err := engine.StartBrewing(ctx, testScope, batch.ID)
	require.NoError(t, err)

	res, err := engine.AssignBatch(ctx, testScope, batch.ID, AssignBatchRequest{TankID: tank.ID, Window: window(clock, 0, 10)})
	require.NoError(t, err)
	children, err := engine.Split(ctx, testScope, res.Lot.ID, []SplitSpec{{"A", 0.6}, {"B", 0.4}})
	require.NoError(t, err)

	_, err = engine.CompleteLot(ctx, testScope, res.Lot.ID)
	require.NoError(t, err)
	_, err = engine.CompleteLot(ctx, testScope, children[0].ID)
	require.NoError(t, err)
	_, err = engine.CancelLot(ctx, testScope, children[1].ID)
	require.NoError(t, err)

	b := reloadBatch(t, db, batch.ID)
	assert.NotEqual(t, BatchStatusCompleted, b.Status)
	assert.Equal(t, BatchStatusBrewing, b.Status)
	assert.Nil(t, b.CompletedAt)
}

func TestAdvanceLotPhaseWithStatus(t *testing.T) {
	engine, db, clock := setupTestEngine(t)
	ctx := context.Background()
	tank := createTank(t, engine, "FV1", 2000)
	batch := createBatch(t, engine, "2026-040")
	res, err := engine.AssignBatch(ctx, testScope, batch.ID, AssignBatchRequest{TankID: tank.ID, Window: window(clock, 0, 7)})
	require.NoError(t, err)

	out, err := engine.AdvanceLotPhase(ctx, testScope, LotPhaseRequest{LotID: res.Lot.ID, Phase: PhaseConditioning})
	require.NoError(t, err)
	assert.True(t, out.PhaseChanged)
	assert.Equal(t, PhaseConditioning, reloadAssignment(t, db, res.Assignment.ID).Phase)

	_, err = engine.AdvanceLotPhase(ctx, testScope, LotPhaseRequest{LotID: res.Lot.ID, Status: LotStatusActive})
	assert.True(t, errors.Is(err, ErrInvalidStatusTransition))

	out, err = engine.AdvanceLotPhase(ctx, testScope, LotPhaseRequest{LotID: res.Lot.ID, Status: LotStatusCompleted})
	require.NoError(t, err)
	assert.False(t, out.PhaseChanged)
	assert.Equal(t, LotStatusCompleted, out.Lot.Status)
	assert.Equal(t, TankStatusNeedsCIP, reloadTank(t, db, tank.ID).Status)
	assert.Equal(t, BatchStatusCompleted, reloadBatch(t, db, batch.ID).Status)
}
