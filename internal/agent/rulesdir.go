package agent

import (
	"os"
	"path/filepath"
	"sort"

	"cdev/internal/rules"
)

// ClientRulesetLoader resolves one rules file to a compiled
// ClientRuleset. The rules-file grammar and evaluator are external
// collaborators (spec §1 Non-goals); DefaultClientRulesetLoader below
// only implements the file-presence half, same as router.RulesetLoader
// on the host side.
type ClientRulesetLoader func(path string) (rules.ClientRuleset, error)

// DefaultClientRulesetLoader treats every file in the rules directory as
// a trivially-passing ruleset, since no rules grammar exists in this
// core. A real deployment supplies its own ClientRulesetLoader.
func DefaultClientRulesetLoader(path string) (rules.ClientRuleset, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return rules.PassthroughClientRuleset(), nil
}

// loadRulesets implements spec §4.6 step 3 and the RELOAD control
// command: parse each file in rules_dir in lexical order; a parse
// failure is logged and that file excluded, not fatal to the others.
func (a *Agent) loadRulesets() {
	dir := a.cfg.RulesDir
	if dir == "" {
		a.rulesets = nil
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		a.logger.Printf("read rules dir %s: %v", dir, err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	rulesets := make([]rules.ClientRuleset, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		rs, err := a.cfg.RulesetLoad(path)
		if err != nil {
			a.logger.Printf("load rules file %s: %v (skipped)", path, err)
			continue
		}
		rulesets = append(rulesets, rs)
	}

	a.rulesets = rulesets
	a.logger.Printf("loaded %d rules file(s) from %s", len(rulesets), dir)
}
