// internal/sound/parser.go
package sound

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape: document := rule*.
type document struct {
	Rules []ruleDoc `yaml:"rules"`
}

// ruleDoc is one rule as written in YAML: rule := {trigger, gag?, send: op*}.
// Send is a list of single-key maps so declaration order survives
// unmarshaling (a plain map would not preserve op order).
type ruleDoc struct {
	Trigger string           `yaml:"trigger"`
	Gag     bool             `yaml:"gag"`
	Send    []map[string]any `yaml:"send"`
}

// ParseDocument compiles a rule document's bytes into Rules. A rule whose
// trigger fails to compile is logged and skipped (RULE_PARSE_ERROR,
// spec.md §7); the rest of the document still loads.
func ParseDocument(raw []byte, log *slog.Logger) ([]*Rule, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rule document: %w", err)
	}

	rules := make([]*Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := compileRule(rd)
		if err != nil {
			log.Warn("skipping unparsable sound rule", "index", i, "trigger", rd.Trigger, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(rd ruleDoc) (*Rule, error) {
	trigger, err := regexp2.Compile(rd.Trigger, 0)
	if err != nil {
		return nil, fmt.Errorf("compile trigger: %w", err)
	}

	// Every key is carried through uncompiled; an unrecognized kind is
	// left for the engine to log and skip at evaluation time
	// (engine.go's runRule default case), never rejected here.
	ops := make([]op, 0, len(rd.Send))
	for _, call := range rd.Send {
		for kind, value := range call {
			ops = append(ops, op{kind: kind, value: fmt.Sprint(value)})
		}
	}

	return &Rule{source: rd.Trigger, trigger: trigger, gag: rd.Gag, ops: ops}, nil
}

// LoadFile reads and parses a rule document from disk.
func LoadFile(path string, log *slog.Logger) ([]*Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document %s: %w", path, err)
	}
	return ParseDocument(raw, log)
}
