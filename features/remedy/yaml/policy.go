// Package yaml loads remediation policies from YAML configuration so
// deployments can tune recovery behavior per error kind without rebuilding.
// Unlisted error kinds fall back to the built-in default rule for that kind,
// keeping partial configurations exhaustive.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tessera-ai/tessera/runtime/remedy"
	"github.com/tessera-ai/tessera/runtime/state"
)

// config is the YAML document shape:
//
//	remediation:
//	  TIMEOUT:
//	    action: RETRY
//	    max_retries: 5
//	  AGENT_ERROR:
//	    action: RETRY_WITH_HINT
//	    max_retries: 2
//	    hint: validate tool arguments strictly
type config struct {
	Remediation map[string]ruleConfig `yaml:"remediation"`
}

type ruleConfig struct {
	Action      string `yaml:"action"`
	MaxRetries  int    `yaml:"max_retries"`
	MinPlanSize int    `yaml:"min_plan_size"`
	Hint        string `yaml:"hint"`
}

// Load reads a remediation policy from YAML. Kinds absent from the document
// keep their default rules; unknown kinds or actions are errors.
func Load(r io.Reader) (*remedy.Policy, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read policy config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy config: %w", err)
	}
	if len(cfg.Remediation) == 0 {
		return nil, errors.New("policy config names no remediation rules")
	}

	known := make(map[state.ErrorKind]struct{})
	for _, kind := range state.ExecutionKinds() {
		known[kind] = struct{}{}
	}
	rules := remedy.DefaultRules()
	for name, rc := range cfg.Remediation {
		kind := state.ErrorKind(name)
		if _, ok := known[kind]; !ok {
			return nil, fmt.Errorf("remediation rule names unknown error kind %q", name)
		}
		rules[kind] = remedy.Rule{
			Action:      remedy.Action(rc.Action),
			MaxRetries:  rc.MaxRetries,
			MinPlanSize: rc.MinPlanSize,
			Hint:        rc.Hint,
		}
	}
	return remedy.NewPolicy(rules)
}

// LoadFile reads a remediation policy from the YAML file at path.
func LoadFile(path string) (*remedy.Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy config: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}
