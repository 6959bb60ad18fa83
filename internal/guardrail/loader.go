// Package guardrail loads policy rules from YAML files and evaluates actions
// against them. Rule snapshots are immutable; reload swaps the whole set.
package guardrail

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tfatykhov/cstp/internal/model"
)

// ruleFile is the YAML document shape: a top-level guardrails list.
type ruleFile struct {
	Guardrails []model.Guardrail `yaml:"guardrails"`
}

// Load parses every *.yaml / *.yml file under the given directories,
// validates each rule, and returns the batch sorted by id. Ids must be
// unique across the whole batch. Missing and empty directories yield an
// empty rule set.
func Load(dirs []string) ([]model.Guardrail, error) {
	var rules []model.Guardrail
	seen := make(map[string]string) // id -> file

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			// An absent rules directory means no rules, not a broken setup.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("guardrail: read dir %q: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := strings.ToLower(filepath.Ext(name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := filepath.Join(dir, name)
			batch, err := loadFile(path)
			if err != nil {
				return nil, err
			}
			for _, g := range batch {
				if prev, dup := seen[g.ID]; dup {
					return nil, fmt.Errorf("guardrail: duplicate id %q in %s (first seen in %s)", g.ID, path, prev)
				}
				seen[g.ID] = path
				rules = append(rules, g)
			}
		}
	}

	// Deterministic id order drives evaluation order.
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func loadFile(path string) ([]model.Guardrail, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guardrail: read %q: %w", path, err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("guardrail: parse %q: %w", path, err)
	}
	for i := range f.Guardrails {
		if err := f.Guardrails[i].Validate(); err != nil {
			return nil, fmt.Errorf("guardrail: %s: %w", path, err)
		}
	}
	return f.Guardrails, nil
}
