package contextmgr

import (
	"sort"
	"strings"
)

// Rule is one entry in a RulesIndex: static text always included, or
// text scoped to file paths under Glob that only activates once a
// matching path is touched during the session.
type Rule struct {
	Name   string
	Text   string
	Glob   string // empty means global (always active)
	Global bool
}

// RulesIndex holds the session's configured rule set, split into
// always-active global rules and path-scoped rules that activate on
// demand.
type RulesIndex struct {
	global []Rule
	scoped []Rule
}

// NewRulesIndex builds an empty index.
func NewRulesIndex() *RulesIndex {
	return &RulesIndex{}
}

// AddGlobal registers a rule that is always included in the rules
// ancillary block.
func (r *RulesIndex) AddGlobal(name, text string) {
	r.global = append(r.global, Rule{Name: name, Text: text, Global: true})
}

// AddScoped registers a rule that activates only once a path matching
// glob has been touched (ObservePath) during the session.
func (r *RulesIndex) AddScoped(name, glob, text string) {
	r.scoped = append(r.scoped, Rule{Name: name, Text: text, Glob: glob})
}

// GlobalText renders every always-active rule, sorted by name for
// deterministic, cache-stable output.
func (r *RulesIndex) GlobalText() string {
	rules := append([]Rule(nil), r.global...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	var b strings.Builder
	for i, rule := range rules {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(rule.Text)
	}
	return b.String()
}

// matching returns every scoped rule whose glob matches path.
func (r *RulesIndex) matching(path string) []Rule {
	var out []Rule
	for _, rule := range r.scoped {
		if matchGlob(rule.Glob, path) {
			out = append(out, rule)
		}
	}
	return out
}

// matchGlob supports the glob shapes the scoped rules in this runtime
// need: an exact path, "*.ext" (any path ending in .ext, e.g. "*.go") and
// "dir/**" (any path under dir/, e.g. "internal/**").
func matchGlob(glob, path string) bool {
	if glob == "" {
		return false
	}
	if glob == path {
		return true
	}
	if strings.HasSuffix(glob, "/**") {
		return strings.HasPrefix(path, strings.TrimSuffix(glob, "**"))
	}
	if strings.HasPrefix(glob, "*.") {
		return strings.HasSuffix(path, glob[1:])
	}
	return false
}

// dynamicRules tracks which scoped rules have activated this session,
// via the set of file paths touched so far. Rules surface only once a
// matching path has actually come up, keeping the stable system block
// free of rules the current task never needs.
type dynamicRules struct {
	active map[string]Rule // by rule name
}

func newDynamicRules() *dynamicRules {
	return &dynamicRules{active: make(map[string]Rule)}
}

// touch activates every rule in idx whose glob matches path.
func (d *dynamicRules) touch(path string, idx *RulesIndex) {
	for _, rule := range idx.matching(path) {
		d.active[rule.Name] = rule
	}
}

// text renders the currently active dynamic rules, sorted by name.
func (d *dynamicRules) text(idx *RulesIndex) string {
	if len(d.active) == 0 {
		return ""
	}
	names := make([]string, 0, len(d.active))
	for n := range d.active {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.active[n].Text)
	}
	return b.String()
}

// reset clears dynamic-rule activation, called at a compaction boundary
// since the preserved tail may no longer reference the paths that
// activated them.
func (d *dynamicRules) reset() {
	d.active = make(map[string]Rule)
}
