package production

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/taproom-labs/cellar/pkg/timeline"
)

// projectBatchesTx recomputes the status of each batch from the lots of its
// current lineage, re-reading lot state inside tx. It returns the batches
// whose status changed.
//
// A batch with open lots takes the status of its least advanced open lot.
// Once no lot is open, the batch is COMPLETED only if none of its lots was
// cancelled and at least one lot completed on its own rather than by being
// absorbed into a blend. Otherwise it falls back to its pre-tank status so
// it can be assigned again.
func (e *Engine) projectBatchesTx(tx *gorm.DB, scope Scope, batchIDs []string, now time.Time) ([]Batch, error) {
	ids := append([]string(nil), batchIDs...)
	sort.Strings(ids)

	var changed []Batch
	for _, id := range ids {
		batch, err := lockOne[Batch](tx, "batch", scope.TenantID, id)
		if err != nil {
			return nil, err
		}
		if batch.Status.IsTerminal() {
			continue
		}

		lots, err := currentLotsOfBatch(tx, scope.TenantID, id)
		if err != nil {
			return nil, err
		}

		var openPhases []Phase
		finished, cancelled := 0, 0
		for _, lot := range lots {
			switch {
			case lot.Status.IsOpen():
				openPhases = append(openPhases, lot.Phase)
			case lot.Status == LotStatusCancelled:
				cancelled++
			case lot.Status == LotStatusCompleted && lot.AbsorbedIntoLotID == nil:
				finished++
			}
		}

		next := batch.Status
		switch {
		case len(openPhases) > 0:
			next = BatchStatusForPhase(leastAdvanced(openPhases))
		case cancelled == 0 && finished > 0:
			next = BatchStatusCompleted
		case len(lots) > 0:
			next = BatchStatusPlanned
			if batch.BrewStartedAt != nil {
				next = BatchStatusBrewing
			}
		}
		if next == "" || next == batch.Status {
			continue
		}

		updates := map[string]any{"status": next, "updated_at": now}
		if next == BatchStatusCompleted {
			updates["completed_at"] = now
		}
		if err := tx.Model(&Batch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update batch status: %w", err)
		}
		prev := batch.Status
		batch.Status = next
		batch.UpdatedAt = now
		if next == BatchStatusCompleted {
			batch.CompletedAt = timePtr(now)
			effectsOf(tx).batchesCompleted++
			if err := e.record(tx, scope, []string{batch.ID}, "", timeline.EventBatchCompleted,
				"batch completed: all lots closed", timeline.Payload{"from": string(prev)}); err != nil {
				return nil, err
			}
		}
		changed = append(changed, *batch)
	}
	return changed, nil
}

// projectLotMembersTx re-projects every member batch of the given lots.
func (e *Engine) projectLotMembersTx(tx *gorm.DB, scope Scope, lotIDs []string, now time.Time) ([]Batch, error) {
	batchIDs := mapset.NewThreadUnsafeSet[string]()
	for _, lotID := range lotIDs {
		ids, err := memberBatchIDs(tx, lotID)
		if err != nil {
			return nil, err
		}
		batchIDs.Append(ids...)
	}
	return e.projectBatchesTx(tx, scope, batchIDs.ToSlice(), now)
}
