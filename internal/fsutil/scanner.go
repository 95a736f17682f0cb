package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
)

var fileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.(js|json|ya?ml)$`)

var (
	ErrDuplicate = errors.New("duplicate migration file")
	ErrMissingUp = errors.New("down file without up file")
	// ErrVersion is returned for version 0; versions start at 1.
	ErrVersion = errors.New("invalid migration version")
)

type Pair struct {
	Version  int64
	Name     string
	UpPath   string // path in fs
	DownPath string // empty when the version has no rollback
}

// Scan reads dir inside fsys and groups migration files by version.
// Files not matching the naming convention are ignored.
func Scan(fsys fs.FS, dir string) (map[int64]*Pair, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	out := map[int64]*Pair{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrVersion, e.Name(), err)
		}
		if version < 1 {
			return nil, fmt.Errorf("%w: %s", ErrVersion, e.Name())
		}
		name, typ := m[2], m[3]
		p := out[version]
		if p == nil {
			p = &Pair{Version: version, Name: name}
			out[version] = p
		}
		if p.Name != name {
			return nil, fmt.Errorf("%w: version %d used by %q and %q", ErrDuplicate, version, p.Name, name)
		}
		full := path.Join(dir, e.Name())
		switch typ {
		case "up":
			if p.UpPath != "" {
				return nil, fmt.Errorf("%w: up files %s and %s", ErrDuplicate, p.UpPath, full)
			}
			p.UpPath = full
		case "down":
			if p.DownPath != "" {
				return nil, fmt.Errorf("%w: down files %s and %s", ErrDuplicate, p.DownPath, full)
			}
			p.DownPath = full
		}
	}
	for v, p := range out {
		if p.UpPath == "" {
			return nil, fmt.Errorf("%w: version %d (%s)", ErrMissingUp, v, p.DownPath)
		}
	}
	return out, nil
}

// Sorted returns the pairs ordered by version ascending.
func Sorted(m map[int64]*Pair) []*Pair {
	out := make([]*Pair, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Dirs lists the sub-directories of root, sorted by name.
func Dirs(fsys fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// NextVersion returns the version the next scaffolded migration in dir
// should use. A missing directory starts at 1.
func NextVersion(fsys fs.FS, dir string) int64 {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return 1
	}
	var max int64
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil && v > max {
			max = v
		}
	}
	return max + 1
}

// FileBase formats the "<version>_<name>" stem used by migration files.
func FileBase(version int64, name string) string {
	return fmt.Sprintf("%06d_%s", version, name)
}
