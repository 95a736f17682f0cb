package migrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mirajehossain/mongomigratex/internal/checksum"
	"github.com/mirajehossain/mongomigratex/internal/fsutil"
)

// CommandKinds are the MongoDB database commands recognised as operation
// kinds when a document carries no explicit "kind" key.
var CommandKinds = []string{
	"create",
	"drop",
	"insert",
	"update",
	"delete",
	"collMod",
	"createIndexes",
	"dropIndexes",
}

// Source discovers migration units. Each namespace is a directory under the
// root of FS, optionally with its files in Subdir (e.g. "schema").
type Source struct {
	FS          fs.FS
	Subdir      string
	RequireDown bool
	// Kinds extends CommandKinds for operation detection.
	Kinds []string
}

func (s *Source) Namespaces() ([]string, error) {
	dirs, err := fsutil.Dirs(s.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return dirs, nil
}

// Dir is the directory holding the files of ns.
func (s *Source) Dir(ns string) string {
	return path.Join(ns, s.Subdir)
}

// List returns the units of ns ordered by version ascending.
func (s *Source) List(ns string) ([]Unit, error) {
	pairs, err := fsutil.Scan(s.FS, s.Dir(ns))
	switch {
	case errors.Is(err, fsutil.ErrDuplicate):
		return nil, newError(CodeDuplicateVersion, ns, 0, err, "scan %s", s.Dir(ns))
	case errors.Is(err, fsutil.ErrMissingUp), errors.Is(err, fsutil.ErrVersion):
		return nil, newError(CodeMalformedUnit, ns, 0, err, "scan %s", s.Dir(ns))
	case err != nil:
		return nil, fmt.Errorf("list namespace %s: %w", ns, err)
	}

	units := make([]Unit, 0, len(pairs))
	for _, p := range fsutil.Sorted(pairs) {
		upb, err := fs.ReadFile(s.FS, p.UpPath)
		if err != nil {
			return nil, err
		}
		up, err := s.decode(p.UpPath, upb)
		if err != nil {
			return nil, newError(CodeMalformedUnit, ns, p.Version, err, "decode %s", p.UpPath)
		}
		u := Unit{
			Namespace:   ns,
			Version:     p.Version,
			Description: p.Name,
			Checksum:    checksum.SHA256(upb),
			Up:          *up,
		}
		if p.DownPath != "" {
			downb, err := fs.ReadFile(s.FS, p.DownPath)
			if err != nil {
				return nil, err
			}
			down, err := s.decode(p.DownPath, downb)
			if err != nil {
				return nil, newError(CodeMalformedUnit, ns, p.Version, err, "decode %s", p.DownPath)
			}
			u.Down = down
			u.Checksum = checksum.Unit(upb, downb)
		} else if s.RequireDown {
			return nil, newError(CodeMalformedUnit, ns, p.Version, nil, "%s has no down migration", p.UpPath)
		}
		units = append(units, u)
	}
	return units, nil
}

func (s *Source) decode(name string, b []byte) (*Script, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	sc := &Script{Path: name}
	if len(root.Content) == 0 {
		return sc, nil
	}
	doc := deref(root.Content[0])
	var items []*yaml.Node
	switch {
	case isNull(doc):
		return sc, nil
	case doc.Kind == yaml.SequenceNode:
		items = doc.Content
	case doc.Kind == yaml.MappingNode:
		ops := lookup(doc, "operations")
		if ops == nil {
			items = []*yaml.Node{doc}
			break
		}
		if idem := lookup(doc, "idempotent"); idem != nil {
			if err := idem.Decode(&sc.Idempotent); err != nil {
				return nil, fmt.Errorf("idempotent: %w", err)
			}
		}
		if isNull(ops) {
			return sc, nil
		}
		if ops.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("line %d: operations must be a sequence", ops.Line)
		}
		items = ops.Content
	default:
		return nil, fmt.Errorf("line %d: expected a sequence of operations", doc.Line)
	}

	for i, item := range items {
		item = deref(item)
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("operation %d (line %d): expected a mapping", i, item.Line)
		}
		op, err := s.operation(item)
		if err != nil {
			return nil, fmt.Errorf("operation %d (line %d): %w", i, item.Line, err)
		}
		sc.Operations = append(sc.Operations, op)
	}
	return sc, nil
}

func (s *Source) operation(node *yaml.Node) (Operation, error) {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return Operation{}, err
	}
	if kind, ok := m["kind"]; ok {
		k, ok := kind.(string)
		if !ok || k == "" {
			return Operation{}, fmt.Errorf("kind must be a non-empty string")
		}
		delete(m, "kind")
		raw, err := nodeJSON(node, "kind")
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: k, Target: target(m, k), Payload: m, Raw: raw}, nil
	}

	var found []string
	for _, k := range append(append([]string{}, CommandKinds...), s.Kinds...) {
		if _, ok := m[k]; ok {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 0:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Operation{}, fmt.Errorf("no known operation kind among keys %v", keys)
	case 1:
		raw, err := nodeJSON(node, "")
		if err != nil {
			return Operation{}, err
		}
		return Operation{Kind: found[0], Target: target(m, found[0]), Payload: m, Raw: raw}, nil
	default:
		return Operation{}, fmt.Errorf("ambiguous operation kinds %v", found)
	}
}

func deref(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		return deref(n.Content[0])
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return deref(m.Content[i+1])
		}
	}
	return nil
}

// nodeJSON renders n as JSON keeping mapping key order. A top-level key
// equal to skip is left out.
func nodeJSON(n *yaml.Node, skip string) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, n, skip); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, n *yaml.Node, skip string) error {
	n = deref(n)
	switch n.Kind {
	case yaml.MappingNode:
		buf.WriteByte('{')
		first := true
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			if skip != "" && k == skip {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeJSON(buf, n.Content[i+1], ""); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, c, ""); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(b)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
	return nil
}

func target(m map[string]any, kind string) string {
	if s, ok := m[kind].(string); ok {
		return s
	}
	if s, ok := m["collection"].(string); ok {
		return s
	}
	return ""
}
