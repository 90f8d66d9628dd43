// Package catalog implements the Task Catalog: a registry of TaskDefinition
// rows keyed by task_id, loaded from YAML seed files and served from an
// LRU-backed read-through cache so concurrent lookups never block on reload.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/logging"
)

// Kind tags how TaskDefinition.Code is launched.
type Kind string

const (
	KindShellCommand  Kind = "shell-command"
	KindInlineScriptA Kind = "inline-script-A" // run as the script argument of /bin/sh -c; not fed via stdin or a temp file (stdin carries the JSON input payload)
	KindScriptFileA   Kind = "script-file-A"   // Code is a path relative to WorkingDir
	KindInlineScriptB Kind = "inline-script-B" // fed via a temp file
)

// TaskDefinition describes one unit of executable task code the engine can
// launch as a subprocess. Immutable at run time: an operator edits the YAML
// and calls Reload, but an in-flight stack keeps using whatever definition
// it already read.
type TaskDefinition struct {
	TaskID        string            `yaml:"task_id"`
	Kind          Kind              `yaml:"kind"`
	Code          string            `yaml:"code"`
	DefaultParams map[string]any    `yaml:"default_params"`
	WorkingDir    string            `yaml:"working_dir"`
	Env           map[string]string `yaml:"env"`
	TimeoutSecs   int               `yaml:"timeout_seconds"`
	Enabled       bool              `yaml:"enabled"`
	Description   string            `yaml:"description"`
}

func (d TaskDefinition) validate() error {
	if d.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if d.Code == "" {
		return fmt.Errorf("task %q: code is required", d.TaskID)
	}
	switch d.Kind {
	case KindShellCommand, KindInlineScriptA, KindScriptFileA, KindInlineScriptB:
	default:
		return fmt.Errorf("task %q: unknown kind %q", d.TaskID, d.Kind)
	}
	if d.TimeoutSecs <= 0 {
		return fmt.Errorf("task %q: timeout_seconds must be positive", d.TaskID)
	}
	return nil
}

type definitionFile struct {
	Tasks []TaskDefinition `yaml:"tasks"`
}

// Catalog is a read-through cache over a directory of YAML task-definition files.
type Catalog struct {
	dir     string
	logger  logging.Logger
	current atomic.Pointer[lru.Cache[string, TaskDefinition]]
	group   singleflight.Group
}

// New builds a Catalog rooted at dir and performs an initial Load.
func New(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: logging.New("catalog")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads every *.yaml/*.yml file under dir and atomically swaps in
// a fresh cache, so concurrent ByTaskID callers never observe a half-loaded
// catalog. Concurrent Reload calls (e.g. several SIGHUPs in quick succession)
// collapse into a single disk read via singleflight.
func (c *Catalog) Reload() error {
	_, err, _ := c.group.Do("reload", func() (any, error) {
		return nil, c.reloadOnce()
	})
	return err
}

func (c *Catalog) reloadOnce() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return stackerrors.NewDomainError(stackerrors.KindCatalogMissing, fmt.Errorf("read catalog dir %s: %w", c.dir, err))
	}

	defs := make(map[string]TaskDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var file definitionFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, def := range file.Tasks {
			if err := def.validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if _, dup := defs[def.TaskID]; dup {
				return fmt.Errorf("%s: duplicate task_id %q", path, def.TaskID)
			}
			defs[def.TaskID] = def
		}
	}

	size := len(defs)
	if size == 0 {
		size = 1
	}
	cache, err := lru.New[string, TaskDefinition](size)
	if err != nil {
		return fmt.Errorf("build catalog cache: %w", err)
	}
	for id, def := range defs {
		cache.Add(id, def)
	}

	c.current.Store(cache)
	c.logger.Info("loaded %d task definitions from %s", len(defs), c.dir)
	return nil
}

// ByTaskID returns the definition for id, or ok=false if unknown.
func (c *Catalog) ByTaskID(id string) (TaskDefinition, bool) {
	cache := c.current.Load()
	if cache == nil {
		return TaskDefinition{}, false
	}
	return cache.Get(id)
}

// List returns every cached definition, sorted by task_id for a stable
// listing order. Peek rather than Get so listing never perturbs LRU recency.
func (c *Catalog) List() []TaskDefinition {
	cache := c.current.Load()
	if cache == nil {
		return nil
	}
	keys := cache.Keys()
	defs := make([]TaskDefinition, 0, len(keys))
	for _, id := range keys {
		if def, ok := cache.Peek(id); ok {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].TaskID < defs[j].TaskID })
	return defs
}

// Enabled reports whether id exists and is enabled. create operations on C5/C6
// reject task_ids that fail this check; tasks already in flight are unaffected
// by a later disable, per the non-retroactive Non-goal.
func (c *Catalog) Enabled(id string) bool {
	def, ok := c.ByTaskID(id)
	return ok && def.Enabled
}
