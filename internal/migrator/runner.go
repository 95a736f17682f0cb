package migrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirajehossain/mongomigratex/internal/lock"
)

// State is the lifecycle position of a namespace inside a Runner.
type State string

const (
	StateClean     State = "clean"
	StatePlanning  State = "planning"
	StateApplying  State = "applying"
	StateFailed    State = "failed"
	StateResolving State = "resolving"
)

type ResolveAction string

const (
	// MarkApplied accepts a failed unit as applied after a manual fix.
	MarkApplied ResolveAction = "mark-applied"
	// MarkReverted forgets a failed unit after its effects were undone by hand.
	MarkReverted ResolveAction = "mark-reverted"
	// Retry runs the failed script again from its first operation.
	Retry ResolveAction = "retry"
)

// ErrNotIdempotent is returned when retrying a unit that does not declare
// itself idempotent.
var ErrNotIdempotent = errors.New("unit is not idempotent")

// Observer is notified about finished units and version changes.
type Observer interface {
	UnitDone(ns string, dir Direction, version int64, d time.Duration, err error)
	VersionChanged(ns string, version int64)
}

// ApplierFactory returns the appliers operating on the database of ns.
type ApplierFactory func(ns string) (Registry, error)

type Runner struct {
	Source   *Source
	Store    Store
	Locker   lock.Locker
	Appliers ApplierFactory

	// LockScope is part of every lease key, usually the state collection.
	LockScope        string
	LockTTL          time.Duration
	OperationTimeout time.Duration
	AppliedBy        string
	Transactional    bool
	DryRun           bool
	// Parallelism bounds ForEach; values below 1 mean one namespace at a time.
	Parallelism int

	Clock    clock.Clock
	Log      *zap.Logger
	Observer Observer

	mu     sync.Mutex
	states map[string]State
}

type Result struct {
	Namespace string
	Direction Direction
	From      int64
	To        int64
	// Versions ran (or would run, in a dry run) in execution order.
	Versions []int64
	DryRun   bool
}

type NamespaceStatus struct {
	Namespace string
	State     State
	Current   int64
	Latest    int64
	Pending   int
	Applied   []Record
	Failed    *Record
	Findings  []Finding
	Units     []Unit
}

func (r *Runner) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// State reports the lifecycle state of ns in this runner.
func (r *Runner) State(ns string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[ns]; ok {
		return s
	}
	return StateClean
}

func (r *Runner) setState(ns string, s State) {
	r.mu.Lock()
	if r.states == nil {
		r.states = map[string]State{}
	}
	prev := r.states[ns]
	r.states[ns] = s
	r.mu.Unlock()
	if prev != s {
		r.log().Debug("namespace.state", zap.String("namespace", ns), zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// settle moves ns to Failed when err leaves a unit unresolved, else to Clean.
func (r *Runner) settle(ns string, err error) {
	var pe *PartialApplicationError
	if errors.As(err, &pe) && !pe.RolledBack {
		r.setState(ns, StateFailed)
		return
	}
	r.setState(ns, StateClean)
}

func (r *Runner) executor(ns string) (*Executor, error) {
	reg := Registry{}
	if r.Appliers != nil {
		var err error
		if reg, err = r.Appliers(ns); err != nil {
			return nil, fmt.Errorf("appliers for %s: %w", ns, err)
		}
	}
	return &Executor{
		Store:            r.Store,
		Appliers:         reg,
		OperationTimeout: r.OperationTimeout,
		AppliedBy:        r.AppliedBy,
		Transactional:    r.Transactional,
		Clock:            r.Clock,
		Log:              r.log(),
	}, nil
}

func (r *Runner) acquire(ctx context.Context, ns string) (*lock.Lease, error) {
	if r.Locker == nil {
		return nil, nil
	}
	key := lock.KeyFor(r.LockScope, ns)
	lease, err := r.Locker.TryAcquire(ctx, key, r.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, newError(CodeLockHeld, ns, 0, err, "namespace is locked by another runner")
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", ns, err)
	}
	r.log().Debug("lock.acquired", zap.String("namespace", ns), zap.String("key", key), zap.String("owner", lease.Owner))
	return lease, nil
}

// release frees the lease and folds a release failure into err.
func (r *Runner) release(ns string, lease *lock.Lease, err *error) {
	if lease == nil {
		return
	}
	if rerr := lease.Release(context.Background()); rerr != nil {
		rerr = fmt.Errorf("release lock %s: %w", ns, rerr)
		if *err == nil {
			*err = rerr
		} else {
			*err = multierror.Append(*err, rerr)
		}
	}
}

// recoverPending turns pending markers left by a crashed run into failed
// records. Must be called with the namespace lease held.
func (r *Runner) recoverPending(ctx context.Context, ns string, records []Record) ([]Record, error) {
	for i, rec := range records {
		if rec.Status != StatusPending {
			continue
		}
		rec.Status = StatusFailed
		rec.FailedOperation = NoOperation
		rec.Error = "interrupted: pending marker found on startup"
		if err := r.Store.Update(ctx, rec); err != nil {
			return nil, fmt.Errorf("recover %s v%d: %w", ns, rec.Version, err)
		}
		r.log().Warn("migrate.recovered", zap.String("namespace", ns), zap.Int64("version", rec.Version), zap.String("direction", string(rec.Direction)))
		records[i] = rec
	}
	return records, nil
}

// Up applies pending units of ns up to target (latest when nil).
func (r *Runner) Up(ctx context.Context, ns string, target *int64) (*Result, error) {
	return r.migrate(ctx, ns, Up, target)
}

// Down reverts applied units of ns above target (one unit when nil).
func (r *Runner) Down(ctx context.Context, ns string, target *int64) (*Result, error) {
	return r.migrate(ctx, ns, Down, target)
}

func (r *Runner) migrate(ctx context.Context, ns string, dir Direction, target *int64) (_ *Result, err error) {
	lease, err := r.acquire(ctx, ns)
	if err != nil {
		return nil, err
	}
	defer r.release(ns, lease, &err)

	r.setState(ns, StatePlanning)
	units, err := r.Source.List(ns)
	if err != nil {
		r.setState(ns, StateClean)
		return nil, err
	}
	records, err := r.Store.Applied(ctx, ns)
	if err != nil {
		r.setState(ns, StateClean)
		return nil, fmt.Errorf("read state of %s: %w", ns, err)
	}
	if !r.DryRun {
		if records, err = r.recoverPending(ctx, ns, records); err != nil {
			r.setState(ns, StateClean)
			return nil, err
		}
	}
	plan, err := MakePlan(ns, units, records, dir, target)
	if err != nil {
		r.settle(ns, err)
		return nil, err
	}
	exec, err := r.executor(ns)
	if err != nil {
		r.setState(ns, StateClean)
		return nil, err
	}
	for _, u := range plan.Steps {
		if err := exec.Check(u, dir); err != nil {
			r.setState(ns, StateClean)
			return nil, err
		}
	}

	res := &Result{Namespace: ns, Direction: dir, From: plan.Current, To: plan.Current, DryRun: r.DryRun}
	if r.DryRun {
		for _, u := range plan.Steps {
			res.Versions = append(res.Versions, u.Version)
		}
		res.To = plan.Target
		r.setState(ns, StateClean)
		return res, nil
	}
	if len(plan.Steps) == 0 {
		r.log().Info("no pending migrations", zap.String("namespace", ns), zap.String("direction", string(dir)), zap.Int64("version", plan.Current))
		r.setState(ns, StateClean)
		return res, nil
	}

	r.log().Info("migrate.plan", zap.String("namespace", ns), zap.String("direction", string(dir)), zap.Int("units", len(plan.Steps)), zap.Int64("from", plan.Current), zap.Int64("to", plan.Target))
	r.setState(ns, StateApplying)
	clk := r.clock()
	for _, u := range plan.Steps {
		start := clk.Now()
		var err error
		if dir == Up {
			_, err = exec.Apply(ctx, u)
		} else {
			err = exec.Revert(ctx, u)
		}
		if r.Observer != nil {
			r.Observer.UnitDone(ns, dir, u.Version, clk.Since(start), err)
		}
		if err != nil {
			r.settle(ns, err)
			return res, err
		}
		res.Versions = append(res.Versions, u.Version)
		if dir == Up {
			res.To = u.Version
		} else {
			res.To = previousVersion(units, u.Version)
		}
		if r.Observer != nil {
			r.Observer.VersionChanged(ns, res.To)
		}
	}
	r.setState(ns, StateClean)
	return res, nil
}

func (r *Runner) clock() clock.Clock {
	if r.Clock == nil {
		return clock.New()
	}
	return r.Clock
}

func previousVersion(units []Unit, v int64) int64 {
	var prev int64
	for _, u := range units {
		if u.Version >= v {
			break
		}
		prev = u.Version
	}
	return prev
}

// Status reports the state of ns without locking or mutating anything.
func (r *Runner) Status(ctx context.Context, ns string) (*NamespaceStatus, error) {
	units, err := r.Source.List(ns)
	if err != nil {
		return nil, err
	}
	records, err := r.Store.Applied(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("read state of %s: %w", ns, err)
	}
	recorded := make(map[int64]bool, len(records))
	for _, rec := range records {
		recorded[rec.Version] = true
	}
	st := &NamespaceStatus{
		Namespace: ns,
		State:     r.State(ns),
		Current:   CurrentVersion(records),
		Applied:   records,
		Failed:    Unresolved(records),
		Findings:  Verify(units, records),
		Units:     units,
	}
	for _, u := range units {
		if !recorded[u.Version] {
			st.Pending++
		}
		st.Latest = u.Version
	}
	if st.Failed != nil {
		st.State = StateFailed
	}
	if r.Observer != nil {
		r.Observer.VersionChanged(ns, st.Current)
	}
	return st, nil
}

// Resolve settles a failed unit of ns. force allows Retry of a unit that
// is not declared idempotent.
func (r *Runner) Resolve(ctx context.Context, ns string, version int64, action ResolveAction, force bool) (err error) {
	lease, err := r.acquire(ctx, ns)
	if err != nil {
		return err
	}
	defer r.release(ns, lease, &err)

	r.setState(ns, StateResolving)
	var rec *Record
	defer func() {
		if err != nil && rec != nil {
			r.setState(ns, StateFailed)
			return
		}
		r.settle(ns, err)
	}()

	records, err := r.Store.Applied(ctx, ns)
	if err != nil {
		return fmt.Errorf("read state of %s: %w", ns, err)
	}
	if records, err = r.recoverPending(ctx, ns, records); err != nil {
		return err
	}
	for i := range records {
		if records[i].Version == version {
			rec = &records[i]
		}
	}
	if rec == nil || rec.Status == StatusApplied {
		return newError(CodeNoSuchVersion, ns, version, nil, "no failed unit with this version")
	}
	if last := records[len(records)-1]; last.Version != version {
		return newError(CodeInconsistentHistory, ns, version, nil, "v%d is recorded above the failed unit", last.Version)
	}

	var unit *Unit
	if units, lerr := r.Source.List(ns); lerr == nil {
		for i := range units {
			if units[i].Version == version {
				unit = &units[i]
			}
		}
	} else if action != MarkReverted {
		return lerr
	}
	if unit == nil && action != MarkReverted {
		return newError(CodeInconsistentHistory, ns, version, nil, "recorded version has no migration file")
	}

	log := r.log().With(zap.String("namespace", ns), zap.Int64("version", version), zap.String("action", string(action)))
	switch action {
	case MarkApplied:
		fixed := *rec
		fixed.Direction = Up
		fixed.Status = StatusApplied
		fixed.Checksum = unit.Checksum
		fixed.FailedOperation = NoOperation
		fixed.Error = ""
		fixed.AppliedAt = r.clock().Now().UTC()
		if r.AppliedBy != "" {
			fixed.AppliedBy = r.AppliedBy
		}
		if err := r.Store.Update(ctx, fixed); err != nil {
			return fmt.Errorf("mark %s v%d applied: %w", ns, version, err)
		}
	case MarkReverted:
		if err := r.Store.Remove(ctx, ns, version); err != nil {
			return fmt.Errorf("mark %s v%d reverted: %w", ns, version, err)
		}
	case Retry:
		sc := unit.Script(rec.Direction)
		if sc == nil {
			return newError(CodeMalformedUnit, ns, version, nil, "no %s migration", rec.Direction)
		}
		if !sc.Idempotent && !force {
			return fmt.Errorf("retry %s v%d: %w; fix it by hand and use %s or %s, or force the retry", ns, version, ErrNotIdempotent, MarkApplied, MarkReverted)
		}
		exec, err := r.executor(ns)
		if err != nil {
			return err
		}
		if err := exec.Check(*unit, rec.Direction); err != nil {
			return err
		}
		if rec.Direction == Up {
			if err := r.Store.Remove(ctx, ns, version); err != nil {
				return fmt.Errorf("reset %s v%d: %w", ns, version, err)
			}
			_, err = exec.Apply(ctx, *unit)
			return err
		}
		restored := *rec
		restored.Direction = Up
		restored.Status = StatusApplied
		if err := r.Store.Update(ctx, restored); err != nil {
			return fmt.Errorf("reset %s v%d: %w", ns, version, err)
		}
		return exec.Revert(ctx, *unit)
	default:
		return fmt.Errorf("unknown resolve action %q", action)
	}
	log.Info("migrate.resolved")
	return nil
}

// ForEach calls fn for every namespace of the source, at most Parallelism
// at a time. Namespaces are independent: a failing one does not stop the
// others, and all errors are returned together.
func (r *Runner) ForEach(ctx context.Context, fn func(ctx context.Context, ns string) error) error {
	namespaces, err := r.Source.Namespaces()
	if err != nil {
		return err
	}
	limit := r.Parallelism
	if limit < 1 {
		limit = 1
	}
	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	g.SetLimit(limit)
	for _, ns := range namespaces {
		ns := ns
		g.Go(func() error {
			if err := fn(ctx, ns); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}

// UpAll runs Up for every namespace. Results are ordered by namespace.
func (r *Runner) UpAll(ctx context.Context, target *int64) ([]*Result, error) {
	return r.all(ctx, func(ctx context.Context, ns string) (*Result, error) {
		return r.Up(ctx, ns, target)
	})
}

// DownAll runs Down for every namespace.
func (r *Runner) DownAll(ctx context.Context, target *int64) ([]*Result, error) {
	return r.all(ctx, func(ctx context.Context, ns string) (*Result, error) {
		return r.Down(ctx, ns, target)
	})
}

func (r *Runner) all(ctx context.Context, fn func(ctx context.Context, ns string) (*Result, error)) ([]*Result, error) {
	var (
		mu  sync.Mutex
		out []*Result
	)
	err := r.ForEach(ctx, func(ctx context.Context, ns string) error {
		res, err := fn(ctx, ns)
		if res != nil {
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
		}
		return err
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, err
}

func (r *Runner) StatusAll(ctx context.Context) ([]*NamespaceStatus, error) {
	var (
		mu  sync.Mutex
		out []*NamespaceStatus
	)
	err := r.ForEach(ctx, func(ctx context.Context, ns string) error {
		st, err := r.Status(ctx, ns)
		if err != nil {
			return err
		}
		mu.Lock()
		out = append(out, st)
		mu.Unlock()
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, err
}
