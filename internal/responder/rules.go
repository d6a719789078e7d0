package responder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Rule pairs a question with its canned answer.
type Rule struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

// RuleProvider returns the current rule snapshot. Callers must not modify it.
type RuleProvider interface {
	Rules() []Rule
}

// StaticRules is a fixed rule table.
type StaticRules []Rule

func (s StaticRules) Rules() []Rule { return s }

// RuleSet holds an immutable snapshot that can be swapped as a whole.
type RuleSet struct {
	v atomic.Pointer[[]Rule]
}

// NewRuleSet creates a set holding rules.
func NewRuleSet(rules []Rule) *RuleSet {
	s := &RuleSet{}
	s.Store(rules)
	return s
}

// Rules implements RuleProvider.
func (s *RuleSet) Rules() []Rule {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return nil
}

// Store replaces the snapshot.
func (s *RuleSet) Store(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	s.v.Store(&cp)
}

// LoadRules reads a rule list from YAML (.yaml, .yml) or JSON.
// Rules missing a question or an answer are rejected.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var rules []Rule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rules)
	default:
		err = json.Unmarshal(data, &rules)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}

	for i, r := range rules {
		if strings.TrimSpace(r.Question) == "" || strings.TrimSpace(r.Answer) == "" {
			return nil, fmt.Errorf("rule %d in %s: question and answer are required", i, path)
		}
	}
	return rules, nil
}
