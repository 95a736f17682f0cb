package main

import (
	"encoding/json"
	"fmt"

	"github.com/mirajehossain/mongomigratex/internal/checksum"
	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

type statusItem struct {
	Namespace string `json:"namespace"`
	Version   int64  `json:"version"`
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	Status    string `json:"status"` // applied|pending|failed|missing
	Direction string `json:"direction,omitempty"`
	AppliedAt string `json:"applied_at,omitempty"`
	AppliedBy string `json:"applied_by,omitempty"`
	Operation *int   `json:"failed_operation,omitempty"`
	Error     string `json:"error,omitempty"`
}

func statusItems(st *migrator.NamespaceStatus) []statusItem {
	recs := make(map[int64]migrator.Record, len(st.Applied))
	for _, r := range st.Applied {
		recs[r.Version] = r
	}
	var out []statusItem
	for _, u := range st.Units {
		it := statusItem{Namespace: st.Namespace, Version: u.Version, Name: u.Description, Checksum: u.Checksum, Status: "pending"}
		if r, ok := recs[u.Version]; ok {
			it.Status = string(r.Status)
			it.Direction = string(r.Direction)
			it.AppliedAt = r.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
			it.AppliedBy = r.AppliedBy
			it.Error = r.Error
			if r.Status == migrator.StatusFailed {
				op := r.FailedOperation
				it.Operation = &op
			}
			delete(recs, u.Version)
		}
		out = append(out, it)
	}
	// records whose file is gone
	for _, r := range st.Applied {
		if _, ok := recs[r.Version]; ok {
			out = append(out, statusItem{Namespace: st.Namespace, Version: r.Version, Name: r.Description, Checksum: r.Checksum, Status: "missing"})
		}
	}
	return out
}

func (a *app) printStatus(statuses []*migrator.NamespaceStatus) {
	if a.cfg.JSON {
		var out []statusItem
		for _, st := range statuses {
			out = append(out, statusItems(st)...)
		}
		enc := json.NewEncoder(a.stdout)
		_ = enc.Encode(out)
		return
	}
	for _, st := range statuses {
		fmt.Fprintf(a.stdout, "%s  current=%d latest=%d pending=%d state=%s\n", st.Namespace, st.Current, st.Latest, st.Pending, st.State)
		for _, it := range statusItems(st) {
			line := fmt.Sprintf("  %06d %-30s %-8s %s", it.Version, it.Name, it.Status, checksum.Short(it.Checksum))
			if it.Operation != nil {
				line += fmt.Sprintf("  at operation %d", *it.Operation)
			}
			fmt.Fprintln(a.stdout, line)
		}
		for _, f := range st.Findings {
			fmt.Fprintf(a.stdout, "  ! %s\n", f.Error())
		}
	}
}

type resultItem struct {
	Namespace string  `json:"namespace"`
	Direction string  `json:"direction"`
	From      int64   `json:"from"`
	To        int64   `json:"to"`
	Versions  []int64 `json:"versions"`
	DryRun    bool    `json:"dry_run"`
}

func (a *app) printResults(results []*migrator.Result) {
	if a.cfg.JSON {
		out := make([]resultItem, 0, len(results))
		for _, r := range results {
			out = append(out, resultItem{Namespace: r.Namespace, Direction: string(r.Direction), From: r.From, To: r.To, Versions: r.Versions, DryRun: r.DryRun})
		}
		_ = json.NewEncoder(a.stdout).Encode(out)
		return
	}
	for _, r := range results {
		verb := "applied"
		if r.Direction == migrator.Down {
			verb = "reverted"
		}
		if r.DryRun {
			verb = "would be " + verb
		}
		fmt.Fprintf(a.stdout, "%s  %d -> %d  %s %v\n", r.Namespace, r.From, r.To, verb, r.Versions)
	}
}

func (a *app) printNamespaces(namespaces []string) {
	if a.cfg.JSON {
		_ = json.NewEncoder(a.stdout).Encode(namespaces)
		return
	}
	for _, ns := range namespaces {
		fmt.Fprintln(a.stdout, ns)
	}
}
