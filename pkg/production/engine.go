package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taproom-labs/cellar/pkg/tenancy"
	"github.com/taproom-labs/cellar/pkg/timeline"
)

// SystemActor is recorded as the actor of changes made by background loops.
const SystemActor = tenancy.SystemActor

// Scope identifies the tenant an operation runs in and the user it is
// attributed to.
type Scope struct {
	TenantID string
	User     string
}

// ScopeFromContext builds a Scope from the tenant resolved by the tenancy
// middleware.
func ScopeFromContext(ctx context.Context) Scope {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok {
		return Scope{TenantID: tenancy.DefaultTenant, User: SystemActor}
	}
	return Scope{TenantID: tc.TenantID, User: tc.User}
}

func (s Scope) actor() string {
	return tenancy.TenantContext{TenantID: s.TenantID, User: s.User}.Actor()
}

// Engine runs production operations against the database. It holds no
// in-memory state about tanks or lots; every invariant is enforced inside a
// database transaction.
type Engine struct {
	db       *gorm.DB
	timeline *timeline.Store
	cfg      *EngineConfig
	logger   *slog.Logger
	phases   *PhaseMachine
	now      func() time.Time
	onChange []func(tenantID string)
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithChangeHook registers fn to run after every committed write, with the
// tenant the write belonged to.
func WithChangeHook(fn func(tenantID string)) EngineOption {
	return func(e *Engine) { e.onChange = append(e.onChange, fn) }
}

// NewEngine creates an Engine.
func NewEngine(db *gorm.DB, cfg *EngineConfig, logger *slog.Logger, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:       db,
		timeline: timeline.NewStore(db),
		cfg:      cfg,
		logger:   logger,
		phases:   NewPhaseMachine(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AutoMigrate creates or updates the engine's tables and the timeline table.
func (e *Engine) AutoMigrate() error {
	if err := e.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("migrate production tables: %w", err)
	}
	return e.timeline.AutoMigrate()
}

// Timeline returns the store timeline events are written to.
func (e *Engine) Timeline() *timeline.Store {
	return e.timeline
}

// Config returns the engine configuration.
func (e *Engine) Config() *EngineConfig {
	return e.cfg
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// errLockRace is returned when a lot's tank binding changed between the
// unlocked peek and acquiring row locks. The transaction is retried.
var errLockRace = errors.New("lot tank binding changed during lock acquisition")

// txEffects counts side effects of one transaction attempt. They are
// published to metrics only once the attempt commits.
type txEffects struct {
	tankReleases     int
	batchesCompleted int
}

type txEffectsKey struct{}

// effectsOf returns the effects collector of the transaction tx belongs to.
// Outside inTx it returns a throwaway collector.
func effectsOf(tx *gorm.DB) *txEffects {
	if tx.Statement != nil && tx.Statement.Context != nil {
		if fx, ok := tx.Statement.Context.Value(txEffectsKey{}).(*txEffects); ok {
			return fx
		}
	}
	return &txEffects{}
}

// inTx runs fn in a transaction, retrying on serialization failures and
// deadlocks. Change hooks and effect counters fire only after a successful
// commit.
func (e *Engine) inTx(ctx context.Context, scope Scope, op string, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	var err error
	var fx *txEffects
	for attempt := 0; ; attempt++ {
		fx = &txEffects{}
		err = e.db.WithContext(context.WithValue(ctx, txEffectsKey{}, fx)).Transaction(fn, e.txOptions())
		if err == nil || attempt >= e.cfg.MaxTxRetries || !isRetryable(err) {
			break
		}
		txRetriesTotal.WithLabelValues(op).Inc()
		e.logger.Warn("retrying transaction", "operation", op, "attempt", attempt+1, "error", err)
	}
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(op, outcomeLabel(err)).Inc()
	if err != nil {
		return err
	}
	tankReleasesTotal.Add(float64(fx.tankReleases))
	batchesCompletedTotal.Add(float64(fx.batchesCompleted))
	for _, fn := range e.onChange {
		fn(scope.TenantID)
	}
	return nil
}

// txOptions requests serializable isolation where the driver supports
// choosing it. SQLite transactions are already serialized.
func (e *Engine) txOptions() *sql.TxOptions {
	switch e.db.Dialector.Name() {
	case "postgres", "mysql":
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, errLockRace) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	return false
}

// forUpdate adds SELECT ... FOR UPDATE on dialects with row locks.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func lockOne[T any](tx *gorm.DB, kind, tenantID, id string) (*T, error) {
	var rec T
	err := forUpdate(tx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", kind, err)
	}
	return &rec, nil
}

func getOne[T any](tx *gorm.DB, kind, tenantID, id string) (*T, error) {
	var rec T
	err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return &rec, nil
}

// lockedLots holds a set of lots together with their open assignments and
// the tanks those assignments occupy, all locked.
type lockedLots struct {
	lots        map[string]*Lot
	assignments map[string]*TankAssignment // keyed by lot ID
	tanks       map[string]*Tank           // keyed by tank ID
}

func (l *lockedLots) tankFor(lotID string) *Tank {
	a := l.assignments[lotID]
	if a == nil {
		return nil
	}
	return l.tanks[a.TankID]
}

// lockLots locks lots in a fixed order: the tanks their open assignments
// occupy first, then the lots, then the assignments, each sorted by ID.
// Assign takes tank then lot, so every writer acquires locks in the same
// order.
func (e *Engine) lockLots(tx *gorm.DB, tenantID string, lotIDs []string) (*lockedLots, error) {
	ids := append([]string(nil), lotIDs...)
	sort.Strings(ids)

	var peeked []Lot
	if err := tx.Where("tenant_id = ? AND id IN ?", tenantID, ids).Find(&peeked).Error; err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	peekedAssignment := make(map[string]*string, len(peeked))
	var assignmentIDs []string
	for i := range peeked {
		peekedAssignment[peeked[i].ID] = peeked[i].ActiveAssignmentID
		if peeked[i].ActiveAssignmentID != nil {
			assignmentIDs = append(assignmentIDs, *peeked[i].ActiveAssignmentID)
		}
	}
	for _, id := range ids {
		if _, ok := peekedAssignment[id]; !ok {
			return nil, notFound("lot", id)
		}
	}

	var tankIDs []string
	if len(assignmentIDs) > 0 {
		if err := tx.Model(&TankAssignment{}).
			Where("tenant_id = ? AND id IN ?", tenantID, assignmentIDs).
			Distinct().Pluck("tank_id", &tankIDs).Error; err != nil {
			return nil, fmt.Errorf("load lot tanks: %w", err)
		}
		sort.Strings(tankIDs)
	}

	out := &lockedLots{
		lots:        make(map[string]*Lot, len(ids)),
		assignments: make(map[string]*TankAssignment),
		tanks:       make(map[string]*Tank, len(tankIDs)),
	}
	for _, id := range tankIDs {
		tank, err := lockOne[Tank](tx, "tank", tenantID, id)
		if err != nil {
			return nil, err
		}
		out.tanks[id] = tank
	}
	for _, id := range ids {
		lot, err := lockOne[Lot](tx, "lot", tenantID, id)
		if err != nil {
			return nil, err
		}
		if !sameRef(lot.ActiveAssignmentID, peekedAssignment[id]) {
			return nil, errLockRace
		}
		out.lots[id] = lot
	}
	for _, id := range ids {
		lot := out.lots[id]
		if lot.ActiveAssignmentID == nil {
			continue
		}
		a, err := lockOne[TankAssignment](tx, "assignment", tenantID, *lot.ActiveAssignmentID)
		if err != nil {
			return nil, err
		}
		if _, ok := out.tanks[a.TankID]; !ok {
			return nil, errLockRace
		}
		out.assignments[id] = a
	}
	return out, nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// memberBatchIDs returns the sorted batch IDs that are members of lotID.
func memberBatchIDs(tx *gorm.DB, lotID string) ([]string, error) {
	var ids []string
	if err := tx.Model(&LotMember{}).Where("lot_id = ?", lotID).
		Order("batch_id").Pluck("batch_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load lot members: %w", err)
	}
	return ids, nil
}

// lotsOfBatch returns the lots batchID is a member of, filtered by status
// when statuses is non-empty.
func lotsOfBatch(tx *gorm.DB, tenantID, batchID string, statuses []LotStatus) ([]Lot, error) {
	q := tx.Model(&Lot{}).
		Joins("JOIN lot_members ON lot_members.lot_id = lots.id").
		Where("lots.tenant_id = ? AND lot_members.batch_id = ?", tenantID, batchID)
	if len(statuses) > 0 {
		q = q.Where("lots.status IN ?", statuses)
	}
	var lots []Lot
	if err := q.Order("lots.created_at, lots.id").Find(&lots).Error; err != nil {
		return nil, fmt.Errorf("load lots of batch: %w", err)
	}
	return lots, nil
}

// currentLotsOfBatch returns the lots of batchID's current lineage, skipping
// retired memberships.
func currentLotsOfBatch(tx *gorm.DB, tenantID, batchID string) ([]Lot, error) {
	var lots []Lot
	if err := tx.Model(&Lot{}).
		Joins("JOIN lot_members ON lot_members.lot_id = lots.id").
		Where("lots.tenant_id = ? AND lot_members.batch_id = ? AND lot_members.retired = ?", tenantID, batchID, false).
		Order("lots.created_at, lots.id").Find(&lots).Error; err != nil {
		return nil, fmt.Errorf("load lineage of batch: %w", err)
	}
	return lots, nil
}

// record appends one timeline event per batch, inside tx.
func (e *Engine) record(tx *gorm.DB, scope Scope, batchIDs []string, lotID string, typ timeline.EventType, msg string, payload timeline.Payload) error {
	if len(batchIDs) == 0 {
		return nil
	}
	at := e.clock()
	events := make([]*timeline.Event, 0, len(batchIDs))
	for _, id := range batchIDs {
		events = append(events, &timeline.Event{
			TenantID:   scope.TenantID,
			BatchID:    id,
			LotID:      lotID,
			EventType:  typ,
			Actor:      scope.actor(),
			Message:    msg,
			Payload:    payload,
			OccurredAt: at,
		})
	}
	return e.timeline.Append(tx, events...)
}
