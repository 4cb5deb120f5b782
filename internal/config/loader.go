// Package config loads group budget files and pushes the entries into the
// scheduler's config store. The scheduling core never sees this package; it
// only observes the store.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yaml "github.com/goccy/go-yaml"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"slosched/internal/sched"
)

// DefaultPath is where the daemon looks for the budget file.
const DefaultPath = "/etc/slosched/config.yaml"

// Entry mirrors one group entry in the budget file. Group is either a
// numeric group id or a group path resolved through a GroupResolver.
type Entry struct {
	Group      string `yaml:"group"`
	BudgetMS   uint64 `yaml:"budget_ms"`
	Importance uint32 `yaml:"importance"`
}

// File mirrors the budget file layout.
type File struct {
	Groups []Entry `yaml:"groups"`
}

// GroupResolver translates a human-readable group path into the numeric id
// the scheduling host reports. Resolution is platform-specific and lives
// outside this package.
type GroupResolver interface {
	Resolve(path string) (uint64, error)
}

// Loader parses budget files and upserts valid entries.
type Loader struct {
	resolver GroupResolver
	log      core.Logger
}

// NewLoader creates a loader. resolver may be nil, in which case only
// numeric group ids are accepted.
func NewLoader(resolver GroupResolver, log core.Logger) *Loader {
	if log == nil {
		log = mtlog.New()
	}
	return &Loader{resolver: resolver, log: log.ForContext("component", "config")}
}

// Load reads the budget file at path and upserts every valid entry into the
// store. Invalid entries are logged and skipped, never partially applied. A
// missing file is not an error; defaults apply to every group. Returns the
// number of entries loaded.
func (l *Loader) Load(path string, store *sched.ConfigStore) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.log.Information("no budget file at {Path}, using defaults", path)
			return 0, nil
		}
		return 0, fmt.Errorf("read budget file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse budget file: %w", err)
	}

	loaded := 0
	for i, entry := range f.Groups {
		groupID, err := l.resolveGroup(entry.Group)
		if err != nil {
			l.log.Warning("skipping entry {Index} ({Group}): {Error}", i, entry.Group, err.Error())
			continue
		}

		cfg := sched.BudgetConfig{
			BudgetNS:   entry.BudgetMS * 1_000_000,
			Importance: entry.Importance,
		}
		if err := store.Upsert(groupID, cfg); err != nil {
			l.log.Warning("skipping entry {Index} ({Group}): {Error}", i, entry.Group, err.Error())
			continue
		}

		l.log.Information("loaded budget: {Group} -> {BudgetMs}ms importance {Importance}",
			entry.Group, entry.BudgetMS, entry.Importance)
		loaded++
	}

	l.log.Information("loaded {Count} budget entries", loaded)
	return loaded, nil
}

func (l *Loader) resolveGroup(group string) (uint64, error) {
	if group == "" {
		return 0, errors.New("empty group")
	}
	if id, err := strconv.ParseUint(group, 10, 64); err == nil {
		if id == 0 {
			return 0, errors.New("group id 0 is reserved")
		}
		return id, nil
	}
	if err := validateGroupPath(group); err != nil {
		return 0, err
	}
	if l.resolver == nil {
		return 0, errors.New("no group resolver configured for path entries")
	}
	id, err := l.resolver.Resolve(group)
	if err != nil {
		return 0, fmt.Errorf("resolve group path: %w", err)
	}
	if id == 0 {
		return 0, errors.New("group path resolved to id 0")
	}
	return id, nil
}

// validateGroupPath rejects paths that could escape the group hierarchy
// before they ever reach a resolver.
func validateGroupPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return errors.New("group path must be absolute")
	}
	if strings.Contains(path, "..") {
		return errors.New("group path must not contain \"..\"")
	}
	for _, c := range path {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '/' || c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("invalid character %q in group path", c)
		}
	}
	return nil
}

const exampleFile = `# slosched group budgets
#
# group: numeric group id, or a group path when a resolver is configured
# budget_ms: latency budget, 1-10000 ms
# importance: relative priority, 1-100 (higher = more urgent)
groups:
  - group: /kubepods/critical/payment-api
    budget_ms: 50
    importance: 90
  - group: /kubepods/standard/user-service
    budget_ms: 100
    importance: 70
  - group: /kubepods/batch/analytics
    budget_ms: 500
    importance: 20
`

// WriteExample writes a commented sample budget file to path, creating the
// parent directory if needed.
func WriteExample(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(exampleFile), 0o644)
}
