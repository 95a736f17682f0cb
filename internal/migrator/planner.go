package migrator

import (
	"errors"
	"fmt"

	"github.com/mirajehossain/mongomigratex/internal/checksum"
)

type Plan struct {
	Namespace string
	Direction Direction
	// Current is the highest applied version before the plan runs.
	Current int64
	// Target is the version the namespace is at once every step succeeded.
	Target int64
	Steps  []Unit
}

// Finding is a history problem reported by Verify.
type Finding struct {
	Code    Code
	Version int64
	Msg     string
}

func (f Finding) Error() string {
	return fmt.Sprintf("%s v%d: %s", f.Code, f.Version, f.Msg)
}

// Verify compares the stored records of a namespace with its units. It
// reports records without a unit, gaps in the applied prefix and checksum
// drift of applied units. Failed units are not checksummed: they are
// expected to be edited before a retry.
func Verify(units []Unit, records []Record) []Finding {
	byVersion := make(map[int64]Unit, len(units))
	for _, u := range units {
		byVersion[u.Version] = u
	}
	var out []Finding
	for i, r := range records {
		u, ok := byVersion[r.Version]
		if !ok {
			out = append(out, Finding{Code: CodeInconsistentHistory, Version: r.Version, Msg: "recorded version has no migration file"})
			continue
		}
		if i >= len(units) || units[i].Version != r.Version {
			out = append(out, Finding{Code: CodeInconsistentHistory, Version: r.Version, Msg: "recorded versions are not a contiguous prefix"})
		}
		if r.Status == StatusApplied && !checksum.Equal(r.Checksum, u.Checksum) {
			out = append(out, Finding{
				Code:    CodeChecksumMismatch,
				Version: r.Version,
				Msg:     fmt.Sprintf("db=%s file=%s", checksum.Short(r.Checksum), checksum.Short(u.Checksum)),
			})
		}
	}
	return out
}

// CurrentVersion is the highest applied version, 0 when none is.
func CurrentVersion(records []Record) int64 {
	var v int64
	for _, r := range records {
		if r.Status == StatusApplied && r.Version > v {
			v = r.Version
		}
	}
	return v
}

// Unresolved returns the first record that is pending or failed.
func Unresolved(records []Record) *Record {
	for i := range records {
		if records[i].Status != StatusApplied {
			return &records[i]
		}
	}
	return nil
}

func unresolvedError(r *Record) error {
	cause := errors.New("unit needs operator resolution")
	if r.Error != "" {
		cause = fmt.Errorf("unit needs operator resolution: %s", r.Error)
	}
	return &PartialApplicationError{
		Namespace: r.Namespace,
		Version:   r.Version,
		Direction: r.Direction,
		Index:     r.FailedOperation,
		Cause:     cause,
	}
}

// MakePlan validates the history of ns and computes the units to run.
//
// For Up, target defaults to the latest unit. For Down, target defaults to
// the version before the current one (a single step); 0 reverts everything.
// Steps of a down plan are in descending order.
func MakePlan(ns string, units []Unit, records []Record, dir Direction, target *int64) (*Plan, error) {
	if findings := Verify(units, records); len(findings) > 0 {
		f := findings[0]
		return nil, newError(f.Code, ns, f.Version, nil, "%s", f.Msg)
	}
	if r := Unresolved(records); r != nil {
		return nil, unresolvedError(r)
	}

	known := func(v int64) bool {
		for _, u := range units {
			if u.Version == v {
				return true
			}
		}
		return false
	}

	plan := &Plan{Namespace: ns, Direction: dir, Current: CurrentVersion(records)}
	switch dir {
	case Up:
		plan.Target = plan.Current
		if len(units) > 0 {
			plan.Target = units[len(units)-1].Version
		}
		if target != nil {
			if !known(*target) {
				return nil, newError(CodeNoSuchVersion, ns, *target, nil, "no migration with this version")
			}
			plan.Target = *target
		}
		for _, u := range units {
			if u.Version > plan.Current && u.Version <= plan.Target {
				plan.Steps = append(plan.Steps, u)
			}
		}
		if plan.Target < plan.Current {
			plan.Target = plan.Current
		}
	case Down:
		applied := len(records)
		switch {
		case target != nil:
			if *target != 0 && !known(*target) {
				return nil, newError(CodeNoSuchVersion, ns, *target, nil, "no migration with this version")
			}
			plan.Target = *target
		case applied > 1:
			plan.Target = records[applied-2].Version
		default:
			plan.Target = 0
		}
		for i := applied - 1; i >= 0; i-- {
			if units[i].Version <= plan.Target {
				break
			}
			u := units[i]
			if u.Down == nil {
				return nil, newError(CodeMalformedUnit, ns, u.Version, nil, "%s has no down migration", u.Up.Path)
			}
			plan.Steps = append(plan.Steps, u)
		}
		if plan.Target > plan.Current {
			plan.Target = plan.Current
		}
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	return plan, nil
}
