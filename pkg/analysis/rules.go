package analysis

import (
	"sort"
	"strconv"
	"strings"
)

// ActiveRule is a rule enabled for an analysis. RuleKey has the form
// "<repository>:<rule>" where the repository is the analyzer key.
type ActiveRule struct {
	RuleKey     string            `json:"ruleKey" mapstructure:"ruleKey"`
	LanguageKey string            `json:"languageKey,omitempty" mapstructure:"languageKey"`
	Params      map[string]string `json:"params,omitempty" mapstructure:"params"`
}

// Repository returns the part of the rule key before the colon
func (r ActiveRule) Repository() string {
	repo, _, found := strings.Cut(r.RuleKey, ":")
	if !found {
		return ""
	}
	return repo
}

// Param returns a rule parameter or def when unset
func (r ActiveRule) Param(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// IntParam returns an integer rule parameter or def when unset or invalid
func (r ActiveRule) IntParam(key string, def int) int {
	v, err := strconv.Atoi(r.Param(key, ""))
	if err != nil {
		return def
	}
	return v
}

// appliesTo reports whether the rule should run on a file of the given language
func (r ActiveRule) appliesTo(language string) bool {
	return r.LanguageKey == "" || r.LanguageKey == "*" || r.LanguageKey == language
}

// Configuration is everything one analysis needs
type Configuration struct {
	BaseDir         string            `json:"baseDir,omitempty"`
	InputFiles      []InputFile       `json:"inputFiles"`
	ActiveRules     []ActiveRule      `json:"activeRules"`
	ExtraProperties map[string]string `json:"extraProperties,omitempty"`
}

// rulesFor returns the active rules of an analyzer that apply to a language
func (c *Configuration) rulesFor(analyzerKey, language string) []ActiveRule {
	var out []ActiveRule
	for _, rule := range c.ActiveRules {
		if rule.Repository() == analyzerKey && rule.appliesTo(language) {
			out = append(out, rule)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
