package migrator

import (
	"context"
	"time"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// NoOperation is stored in Record.FailedOperation when the failing
// operation is not known, e.g. a run that crashed mid-unit.
const NoOperation = -1

// Operation is one opaque unit of database work. Kind selects the Applier;
// Payload is handed to it untouched. Raw holds the same document as
// relaxed Extended JSON with the key order of the file, which is what
// order-sensitive appliers (index keys, command documents) read.
type Operation struct {
	Kind    string
	Target  string
	Payload map[string]any
	Raw     []byte
}

type Script struct {
	Path       string
	Operations []Operation
	// Idempotent scripts may be re-run from scratch after a failure.
	Idempotent bool
}

// Unit is one version of a namespace: its up script and optional down script.
type Unit struct {
	Namespace   string
	Version     int64
	Description string
	Checksum    string
	Up          Script
	Down        *Script
}

func (u Unit) Script(dir Direction) *Script {
	if dir == Down {
		return u.Down
	}
	return &u.Up
}

// Record is the persisted state of a unit in a namespace.
type Record struct {
	Namespace       string
	Version         int64
	Description     string
	Checksum        string
	Direction       Direction
	Status          Status
	AppliedAt       time.Time
	AppliedBy       string
	DurationMS      int64
	FailedOperation int
	Error           string
}

func (r Record) Resolved() bool { return r.Status == StatusApplied }

// Applier executes one operation kind against the target database.
type Applier interface {
	Apply(ctx context.Context, op Operation) error
}

type ApplierFunc func(ctx context.Context, op Operation) error

func (f ApplierFunc) Apply(ctx context.Context, op Operation) error { return f(ctx, op) }

// Registry maps operation kinds to appliers.
type Registry map[string]Applier

func (r Registry) Register(kind string, a Applier) { r[kind] = a }
