package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mirajehossain/mongomigratex/internal/fsutil"
)

// collectionSchema is the input of create --schema: a collection with an
// optional validator and indexes.
type collectionSchema struct {
	Collection struct {
		Name      string       `yaml:"name"`
		Validator *yaml.Node   `yaml:"validator,omitempty"`
		Indexes   []indexShape `yaml:"indexes,omitempty"`
	} `yaml:"collection"`
}

type indexShape struct {
	// Keys is kept as a node so compound key order survives.
	Keys   yaml.Node `yaml:"keys"`
	Name   string    `yaml:"name,omitempty"`
	Unique bool      `yaml:"unique,omitempty"`
}

func (a *app) createCommand() *cobra.Command {
	var ns, collection, schemaPath string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Scaffold the next up/down migration pair of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			up, down, err := createPair(filepath.Join(a.cfg.Dir, ns, a.cfg.Subdir), args[0], collection, schemaPath)
			if err != nil {
				return err
			}
			a.log.Info("created migration pair", zap.String("namespace", ns), zap.String("up", up), zap.String("down", down))
			fmt.Fprintln(a.stdout, up)
			fmt.Fprintln(a.stdout, down)
			return nil
		},
	}
	cmd.Flags().StringVarP(&ns, "namespace", "n", "", "Namespace directory to create the files in")
	cmd.Flags().StringVar(&collection, "collection", "", "Collection created by the migration (default: NAME)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "YAML collection schema with validator and indexes")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}

func createPair(dir, name, collection, schemaPath string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	name = sanitize(name)
	if name == "" {
		return "", "", errors.New("migration name has no usable characters")
	}
	if collection == "" {
		collection = name
	}
	upOps := []map[string]any{{"create": collection}}
	if schemaPath != "" {
		b, err := os.ReadFile(schemaPath)
		if err != nil {
			return "", "", err
		}
		var s collectionSchema
		if err := yaml.Unmarshal(b, &s); err != nil {
			return "", "", fmt.Errorf("parse %s: %w", schemaPath, err)
		}
		if s.Collection.Name == "" {
			return "", "", errors.New("schema has no collection name")
		}
		collection = s.Collection.Name
		if upOps, err = schemaOps(s); err != nil {
			return "", "", err
		}
	}
	downOps := []map[string]any{{"drop": collection}}

	base := fsutil.FileBase(fsutil.NextVersion(os.DirFS(dir), "."), name)
	up := filepath.Join(dir, base+".up.yaml")
	down := filepath.Join(dir, base+".down.yaml")
	if err := writeOps(up, upOps); err != nil {
		return "", "", err
	}
	if err := writeOps(down, downOps); err != nil {
		_ = os.Remove(up)
		return "", "", err
	}
	return up, down, nil
}

func schemaOps(s collectionSchema) ([]map[string]any, error) {
	c := s.Collection
	create := map[string]any{"create": c.Name}
	if c.Validator != nil {
		create["validator"] = c.Validator
	}
	ops := []map[string]any{create}
	if len(c.Indexes) == 0 {
		return ops, nil
	}
	var indexes []map[string]any
	for i, idx := range c.Indexes {
		idx := idx
		if idx.Keys.Kind != yaml.MappingNode || len(idx.Keys.Content) == 0 {
			return nil, fmt.Errorf("index %d: keys must be a non-empty mapping", i)
		}
		name := idx.Name
		if name == "" {
			name = indexName(&idx.Keys)
		}
		spec := map[string]any{"key": &idx.Keys, "name": name}
		if idx.Unique {
			spec["unique"] = true
		}
		indexes = append(indexes, spec)
	}
	return append(ops, map[string]any{"createIndexes": c.Name, "indexes": indexes}), nil
}

// indexName follows the server's default: field_direction pairs joined by
// underscores.
func indexName(keys *yaml.Node) string {
	var parts []string
	for i := 0; i+1 < len(keys.Content); i += 2 {
		parts = append(parts, keys.Content[i].Value, keys.Content[i+1].Value)
	}
	return strings.Join(parts, "_")
}

func writeOps(path string, ops []map[string]any) error {
	b, err := yaml.Marshal(ops)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitize reduces s to the characters migration file names allow.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(unsafeName.ReplaceAllString(s, "_"), "_")
}
