package responder

import (
	"context"

	"chatnerd/internal/logging"
	"chatnerd/internal/similarity"
	"chatnerd/internal/types"
)

// DefaultThreshold is the minimum similarity, inclusive, for an answer to be sent.
const DefaultThreshold = 70.0

// Replier answers in the chat the message came from.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Match is the best rule for a text.
type Match struct {
	Rule  Rule
	Score float64
}

// FuzzyAutoResponder answers with the rule whose question is most similar to the
// incoming text.
type FuzzyAutoResponder struct {
	rules     RuleProvider
	matcher   *similarity.Matcher
	threshold float64
	replier   Replier
}

// NewFuzzyAutoResponder creates a responder. A nil matcher matches without synonyms.
func NewFuzzyAutoResponder(rules RuleProvider, matcher *similarity.Matcher, threshold float64, replier Replier) *FuzzyAutoResponder {
	if matcher == nil {
		matcher = similarity.NewMatcher(nil)
	}
	return &FuzzyAutoResponder{rules: rules, matcher: matcher, threshold: threshold, replier: replier}
}

// Best returns the highest-scoring rule; the first one wins ties.
// ok is false when there are no rules.
func (f *FuzzyAutoResponder) Best(text string) (Match, bool) {
	best := Match{Score: -1}
	found := false
	for _, r := range f.rules.Rules() {
		score := f.matcher.Similarity(text, r.Question)
		logging.MatcherDebug("similarity(%q, %q) = %.1f", text, r.Question, score)
		if score > best.Score {
			best = Match{Rule: r, Score: score}
			found = true
		}
	}
	return best, found
}

// Answer returns the answer for text, or false below the threshold.
func (f *FuzzyAutoResponder) Answer(text string) (Match, bool) {
	m, ok := f.Best(text)
	if !ok || m.Score < f.threshold {
		return m, false
	}
	return m, true
}

// Handle implements Handler.
func (f *FuzzyAutoResponder) Handle(ctx context.Context, msg types.CandidateMessage) error {
	m, ok := f.Answer(msg.Text)
	if !ok {
		logging.ResponderDebug("no rule for %q (best %.1f)", msg.Text, m.Score)
		return nil
	}
	logging.Responder("answering %s with rule %q (%.1f)", msg.DataID, m.Rule.Question, m.Score)
	return f.replier.Reply(ctx, m.Rule.Answer)
}
