package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"chatnerd/internal/conduit"
	"chatnerd/internal/config"
	"chatnerd/internal/credstore"
	"chatnerd/internal/logging"
	"chatnerd/internal/responder"
	"chatnerd/internal/similarity"
	"chatnerd/internal/types"
)

// OpenStore opens the credential store the configuration selects.
func OpenStore(ctx context.Context, cfg *config.Config) (credstore.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		return credstore.NewFileStore(cfg.SessionsDir()), nil
	case "sqlite":
		return credstore.NewSQLiteStore(cfg.SQLitePath())
	case "redis":
		return credstore.NewRedisStore(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPrefix)
	default:
		return nil, fmt.Errorf("invalid store backend: %s", cfg.Store.Backend)
	}
}

// Selectors returns the default locators with configured overrides applied.
func Selectors(cfg *config.Config) conduit.Selectors {
	return conduit.DefaultSelectors().Override(cfg.Selectors)
}

// NewRodFactory builds the browser conduit factory from configuration.
func NewRodFactory(cfg *config.Config) *conduit.RodFactory {
	return &conduit.RodFactory{
		Options: conduit.Options{
			Bin:               cfg.Browser.Bin,
			DebuggerURL:       cfg.Browser.DebuggerURL,
			Headless:          cfg.Browser.Headless,
			UserAgent:         cfg.Browser.UserAgent,
			LaunchFlags:       cfg.Browser.LaunchFlags,
			NavigationTimeout: cfg.GetNavigationTimeout(),
		},
		UserDataDir: func(id types.Identity) string {
			return cfg.UserDataDir(id.WorkerID)
		},
	}
}

// LoadMatcher builds the synonym matcher. A missing synonyms file yields no synonyms.
func LoadMatcher(cfg *config.Config) (*similarity.Matcher, error) {
	if cfg.SynonymsFile == "" {
		return similarity.NewMatcher(nil), nil
	}
	groups, err := similarity.LoadGroups(cfg.SynonymsFile)
	if err != nil {
		return nil, err
	}
	logging.Boot("loaded %d synonym groups from %s", len(groups), cfg.SynonymsFile)
	return similarity.NewMatcher(groups), nil
}

// LoadRuleSet loads the rule table. A missing rules file yields an empty table.
func LoadRuleSet(cfg *config.Config) (*responder.RuleSet, error) {
	if cfg.RulesFile == "" {
		return responder.NewRuleSet(nil), nil
	}
	rules, err := responder.LoadRules(cfg.RulesFile)
	if errors.Is(err, os.ErrNotExist) {
		logging.BootWarn("rules file %s not found; auto-responder has no rules", cfg.RulesFile)
		return responder.NewRuleSet(nil), nil
	}
	if err != nil {
		return nil, err
	}
	logging.Boot("loaded %d response rules from %s", len(rules), cfg.RulesFile)
	return responder.NewRuleSet(rules), nil
}
