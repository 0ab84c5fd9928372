package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tradesim/internal/game"
)

// LoadRules reads game rules from a YAML file layered over the defaults, then
// applies TRADESIM_* environment overrides. An empty path uses the defaults.
func LoadRules(path string) (game.Rules, error) {
	rules := game.DefaultRules()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return rules, fmt.Errorf("read rules file: %w", err)
		}
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return rules, fmt.Errorf("parse rules file: %w", err)
		}
	}
	overrideRulesWithEnv(&rules)
	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("invalid rules: %w", err)
	}
	return rules, nil
}

func overrideRulesWithEnv(r *game.Rules) {
	if list := envListDefault("TRADESIM_COMPANIES"); len(list) > 0 {
		r.Companies = list
	}
	r.InitialMoney = envInt64Default("TRADESIM_INITIAL_MONEY", r.InitialMoney)
	r.MaxFloat = envInt64Default("TRADESIM_MAX_FLOAT", r.MaxFloat)
	r.MaxHints = envIntDefault("TRADESIM_MAX_HINTS", r.MaxHints)
	r.DrawInfoPrice = envInt64Default("TRADESIM_DRAW_INFO_PRICE", r.DrawInfoPrice)
	r.EnforceHoldingLimit = envBoolDefault("TRADESIM_ENFORCE_HOLDING_LIMIT", r.EnforceHoldingLimit)
}
