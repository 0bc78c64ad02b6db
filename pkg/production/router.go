package production

import (
	"github.com/go-chi/chi/v5"

	"github.com/taproom-labs/cellar/pkg/timeline"
)

// Router creates a chi.Router for the production API. It expects the
// tenancy middleware to have run.
func Router(engine *Engine) chi.Router {
	r := chi.NewRouter()
	Routes(r, engine)
	return r
}

// Routes registers the production API on r, so a parent router can host it
// without an extra mount level.
func Routes(r chi.Router, engine *Engine) {
	r.Route("/tanks", func(r chi.Router) {
		r.Post("/", CreateTankHandler(engine))
		r.Get("/", ListTanksHandler(engine))
		r.Get("/{tankId}", GetTankHandler(engine))
		r.Patch("/{tankId}/status", SetTankStatusHandler(engine))
	})

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", CreateBatchHandler(engine))
		r.Get("/{batchId}", GetBatchHandler(engine))
		r.Post("/{batchId}/brew", StartBrewingHandler(engine))
		r.Post("/{batchId}/assign", AssignBatchHandler(engine))
		r.Post("/{batchId}/complete", CompleteBatchHandler(engine))
		r.Post("/{batchId}/package", PackageBatchHandler(engine))
		r.Get("/{batchId}/timeline", timeline.ListBatchEventsHandler(
			engine.Timeline(), engine.cfg.TimelinePageSize, engine.logger))
	})

	r.Route("/assignments", func(r chi.Router) {
		r.Post("/", AssignHandler(engine))
		r.Patch("/{assignmentId}/phase", AdvancePhaseHandler(engine))
		r.Post("/{assignmentId}/complete", CompleteAssignmentHandler(engine))
		r.Post("/{assignmentId}/transfer", TransferHandler(engine))
		r.Post("/{assignmentId}/cancel", CancelAssignmentHandler(engine))
	})

	r.Route("/lots", func(r chi.Router) {
		r.Patch("/phase", LotPhaseHandler(engine))
		r.Post("/blend", BlendHandler(engine))
		r.Get("/{lotId}", GetLotHandler(engine))
		r.Get("/{lotId}/lineage", LineageHandler(engine))
		r.Post("/{lotId}/split", SplitHandler(engine))
	})
}
