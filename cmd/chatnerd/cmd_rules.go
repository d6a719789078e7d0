package main

import (
	"fmt"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"chatnerd/internal/orchestrator"
	"chatnerd/internal/responder"
)

// rulesCmd tests the auto-responder rule table offline
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and test the auto-responder rules",
}

var rulesMatchCmd = &cobra.Command{
	Use:   "match [text]",
	Short: "Show which rule would answer a message",
	Args:  cobra.ExactArgs(1),
	RunE:  matchRule,
}

var rulesSearchCmd = &cobra.Command{
	Use:   "search [pattern]",
	Short: "Fuzzy-search rule questions",
	Args:  cobra.ExactArgs(1),
	RunE:  searchRules,
}

func init() {
	rulesCmd.AddCommand(rulesMatchCmd, rulesSearchCmd)
}

func matchRule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	rules, err := orchestrator.LoadRuleSet(cfg)
	if err != nil {
		return err
	}
	matcher, err := orchestrator.LoadMatcher(cfg)
	if err != nil {
		return err
	}

	f := responder.NewFuzzyAutoResponder(rules, matcher, cfg.SimilarityThreshold, nil)
	out := cmd.OutOrStdout()
	best, ok := f.Best(args[0])
	if !ok {
		fmt.Fprintln(out, "No rules loaded.")
		return nil
	}
	fmt.Fprintf(out, "best:      %q (score %.1f)\n", best.Rule.Question, best.Score)
	if _, answered := f.Answer(args[0]); answered {
		fmt.Fprintf(out, "answer:    %s\n", best.Rule.Answer)
	} else {
		fmt.Fprintf(out, "no answer: below threshold %.1f\n", cfg.SimilarityThreshold)
	}
	return nil
}

// questions adapts a rule table to fuzzy.Source.
type questions []responder.Rule

func (q questions) String(i int) string { return q[i].Question }
func (q questions) Len() int            { return len(q) }

func searchRules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	set, err := orchestrator.LoadRuleSet(cfg)
	if err != nil {
		return err
	}

	rules := questions(set.Rules())
	matches := fuzzy.FindFrom(args[0], rules)
	out := cmd.OutOrStdout()
	if len(matches) == 0 {
		fmt.Fprintln(out, "No matching questions.")
		return nil
	}
	for _, m := range matches {
		fmt.Fprintf(out, "%-40s -> %s\n", m.Str, rules[m.Index].Answer)
	}
	return nil
}
