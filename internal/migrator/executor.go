package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Executor runs the operations of single units and keeps their records.
type Executor struct {
	Store    Store
	Appliers Registry
	// OperationTimeout bounds each operation; zero means no bound.
	OperationTimeout time.Duration
	AppliedBy        string
	// Transactional runs a unit and its record in one transaction when the
	// store implements Transactor.
	Transactional bool
	Clock         clock.Clock
	Log           *zap.Logger
}

func (e *Executor) clock() clock.Clock {
	if e.Clock == nil {
		return clock.New()
	}
	return e.Clock
}

func (e *Executor) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Executor) transactor() (Transactor, bool) {
	if !e.Transactional {
		return nil, false
	}
	tx, ok := e.Store.(Transactor)
	return tx, ok
}

// Check verifies that every operation of the unit's script in dir has an
// applier, so a unit never starts when it cannot finish.
func (e *Executor) Check(u Unit, dir Direction) error {
	sc := u.Script(dir)
	if sc == nil {
		return newError(CodeMalformedUnit, u.Namespace, u.Version, nil, "no %s migration", dir)
	}
	for i, op := range sc.Operations {
		if _, ok := e.Appliers[op.Kind]; !ok {
			return newError(CodeMalformedUnit, u.Namespace, u.Version, nil, "%s operation %d: no applier for kind %q", dir, i, op.Kind)
		}
	}
	return nil
}

// Apply runs the up script of u and records it as applied.
//
// A pending record is written first; if the process dies before the record
// is promoted, the next run finds the marker and refuses to continue until
// an operator resolves it. On failure the record is marked failed with the
// index of the failing operation and a *PartialApplicationError is returned.
// Operations that already ran are not undone.
func (e *Executor) Apply(ctx context.Context, u Unit) (Record, error) {
	if err := e.Check(u, Up); err != nil {
		return Record{}, err
	}
	clk := e.clock()
	rec := Record{
		Namespace:       u.Namespace,
		Version:         u.Version,
		Description:     u.Description,
		Checksum:        u.Checksum,
		Direction:       Up,
		Status:          StatusPending,
		AppliedAt:       clk.Now().UTC(),
		AppliedBy:       e.AppliedBy,
		FailedOperation: NoOperation,
	}
	e.log().Info("migrate.start", unitFields(u, Up)...)
	start := clk.Now()

	if tx, ok := e.transactor(); ok {
		return e.applyTx(ctx, tx, u, rec, start)
	}

	if err := e.Store.Record(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordExists) {
			return Record{}, newError(CodeInconsistentHistory, u.Namespace, u.Version, err, "unit is already recorded")
		}
		return Record{}, fmt.Errorf("record pending %s v%d: %w", u.Namespace, u.Version, err)
	}

	idx, err := e.run(ctx, u, Up, u.Up.Operations)
	rec.DurationMS = clk.Since(start).Milliseconds()
	if err != nil {
		return rec, e.fail(ctx, rec, u, Up, idx, err)
	}

	rec.Status = StatusApplied
	rec.AppliedAt = clk.Now().UTC()
	if err := e.Store.Update(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("record applied %s v%d: %w", u.Namespace, u.Version, err)
	}
	e.log().Info("migrate.success", append(unitFields(u, Up), zap.Int64("duration_ms", rec.DurationMS))...)
	return rec, nil
}

func (e *Executor) applyTx(ctx context.Context, tx Transactor, u Unit, rec Record, start time.Time) (Record, error) {
	clk := e.clock()
	idx := NoOperation
	var opErr error
	// fn may run more than once when the transaction is retried; only the
	// last attempt counts.
	err := tx.WithTransaction(ctx, func(txCtx context.Context) error {
		idx, opErr = NoOperation, nil
		var err error
		idx, err = e.run(txCtx, u, Up, u.Up.Operations)
		if err != nil {
			opErr = err
			return err
		}
		rec.Status = StatusApplied
		rec.AppliedAt = clk.Now().UTC()
		rec.DurationMS = clk.Since(start).Milliseconds()
		return e.Store.Record(txCtx, rec)
	})
	switch {
	case opErr != nil:
		e.log().Error("migrate.error", append(unitFields(u, Up), zap.Int("operation", idx), zap.Bool("rolled_back", true), zap.Error(opErr))...)
		return rec, &PartialApplicationError{
			Namespace:  u.Namespace,
			Version:    u.Version,
			Direction:  Up,
			Index:      idx,
			Cause:      opErr,
			RolledBack: true,
		}
	case errors.Is(err, ErrRecordExists):
		return rec, newError(CodeInconsistentHistory, u.Namespace, u.Version, err, "unit is already recorded")
	case err != nil:
		return rec, fmt.Errorf("transaction %s v%d: %w", u.Namespace, u.Version, err)
	}
	e.log().Info("migrate.success", append(unitFields(u, Up), zap.Int64("duration_ms", rec.DurationMS), zap.Bool("transactional", true))...)
	return rec, nil
}

// Revert runs the down script of u and removes its record.
func (e *Executor) Revert(ctx context.Context, u Unit) error {
	if err := e.Check(u, Down); err != nil {
		return err
	}
	clk := e.clock()
	rec := Record{
		Namespace:       u.Namespace,
		Version:         u.Version,
		Description:     u.Description,
		Checksum:        u.Checksum,
		Direction:       Down,
		Status:          StatusPending,
		AppliedAt:       clk.Now().UTC(),
		AppliedBy:       e.AppliedBy,
		FailedOperation: NoOperation,
	}
	e.log().Info("migrate.down.start", unitFields(u, Down)...)
	start := clk.Now()

	if tx, ok := e.transactor(); ok {
		idx := NoOperation
		var opErr error
		err := tx.WithTransaction(ctx, func(txCtx context.Context) error {
			idx, opErr = NoOperation, nil
			var err error
			if idx, err = e.run(txCtx, u, Down, u.Down.Operations); err != nil {
				opErr = err
				return err
			}
			return e.Store.Remove(txCtx, u.Namespace, u.Version)
		})
		if opErr != nil {
			e.log().Error("migrate.down.error", append(unitFields(u, Down), zap.Int("operation", idx), zap.Bool("rolled_back", true), zap.Error(opErr))...)
			return &PartialApplicationError{Namespace: u.Namespace, Version: u.Version, Direction: Down, Index: idx, Cause: opErr, RolledBack: true}
		}
		if err != nil {
			return fmt.Errorf("transaction %s v%d: %w", u.Namespace, u.Version, err)
		}
		e.log().Info("migrate.down.success", append(unitFields(u, Down), zap.Int64("duration_ms", clk.Since(start).Milliseconds()))...)
		return nil
	}

	if err := e.Store.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return newError(CodeInconsistentHistory, u.Namespace, u.Version, err, "unit is not recorded")
		}
		return fmt.Errorf("record pending down %s v%d: %w", u.Namespace, u.Version, err)
	}
	idx, err := e.run(ctx, u, Down, u.Down.Operations)
	rec.DurationMS = clk.Since(start).Milliseconds()
	if err != nil {
		return e.fail(ctx, rec, u, Down, idx, err)
	}
	// Remove record to indicate "not applied"
	if err := e.Store.Remove(context.WithoutCancel(ctx), u.Namespace, u.Version); err != nil {
		return fmt.Errorf("remove record %s v%d: %w", u.Namespace, u.Version, err)
	}
	e.log().Info("migrate.down.success", append(unitFields(u, Down), zap.Int64("duration_ms", rec.DurationMS))...)
	return nil
}

// run executes ops in order and returns the index of the failing one.
func (e *Executor) run(ctx context.Context, u Unit, dir Direction, ops []Operation) (int, error) {
	for i, op := range ops {
		if err := e.runOp(ctx, u, i, op); err != nil {
			return i, err
		}
		e.log().Debug("migrate.operation", append(unitFields(u, dir), zap.Int("operation", i), zap.String("kind", op.Kind), zap.String("target", op.Target))...)
	}
	return NoOperation, nil
}

func (e *Executor) runOp(ctx context.Context, u Unit, i int, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.OperationTimeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, e.OperationTimeout)
	}
	defer cancel()

	err := e.Appliers[op.Kind].Apply(opCtx, op)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return newError(CodeTimeout, u.Namespace, u.Version, err, "operation %d (%s) exceeded %s", i, op.Kind, e.OperationTimeout)
	}
	return fmt.Errorf("operation %d (%s %s): %w", i, op.Kind, op.Target, err)
}

// fail marks rec failed at idx and builds the error for the caller. The
// record is written even when ctx is already cancelled.
func (e *Executor) fail(ctx context.Context, rec Record, u Unit, dir Direction, idx int, cause error) error {
	rec.Status = StatusFailed
	rec.FailedOperation = idx
	rec.Error = cause.Error()
	pe := &PartialApplicationError{
		Namespace: u.Namespace,
		Version:   u.Version,
		Direction: dir,
		Index:     idx,
		Cause:     cause,
	}
	stage := "migrate.error"
	if dir == Down {
		stage = "migrate.down.error"
	}
	e.log().Error(stage, append(unitFields(u, dir), zap.Int("operation", idx), zap.Error(cause))...)
	if err := e.Store.Update(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("%w (recording failure: %v)", pe, err)
	}
	return pe
}

func unitFields(u Unit, dir Direction) []zap.Field {
	return []zap.Field{
		zap.String("namespace", u.Namespace),
		zap.Int64("version", u.Version),
		zap.String("description", u.Description),
		zap.String("direction", string(dir)),
	}
}
