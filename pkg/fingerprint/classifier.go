package fingerprint

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/warden/pkg/config"
)

// Deriver evaluates operator-defined classification rules before falling
// back to the built-in shapes and the content digest. Rules are CEL boolean
// expressions over {command, domain}, compiled once at construction.
type Deriver struct {
	rules []compiledRule
}

type compiledRule struct {
	name        string
	fingerprint string
	program     cel.Program
}

// New compiles the configured classification rules. An expression that does
// not compile, or does not evaluate to bool, is a configuration error — the
// deriver refuses to start rather than silently skipping a rule.
func New(rules []config.ClassificationRule) (*Deriver, error) {
	env, err := cel.NewEnv(
		cel.Variable("command", cel.StringType),
		cel.Variable("domain", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: cel environment: %w", err)
	}

	d := &Deriver{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("fingerprint: rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("fingerprint: rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: rule %q: %w", r.Name, err)
		}
		d.rules = append(d.rules, compiledRule{
			name:        r.Name,
			fingerprint: r.Fingerprint,
			program:     program,
		})
	}
	return d, nil
}

// Derive resolves the fingerprint for a command: built-in shapes first, then
// the configured rules in order, then the content digest.
func (d *Deriver) Derive(command, domain string) string {
	cmd := normalize(command)
	if fp, ok := matchShape(cmd); ok {
		return fp
	}

	dom := normalize(domain)
	for _, r := range d.rules {
		out, _, err := r.program.Eval(map[string]interface{}{
			"command": cmd,
			"domain":  dom,
		})
		if err != nil {
			continue // a failing rule never classifies
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return r.fingerprint
		}
	}
	return digest(cmd, dom)
}
