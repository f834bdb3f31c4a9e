package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const reuseQuery = "data.storefront.token_reuse.treat_as_compromise"

// Default Rego policy: strict. Any replay of a revoked refresh token outside
// the configured grace window is a compromise; with grace_seconds 0 every
// replay is.
const defaultRegoPolicy = `package storefront.token_reuse

default treat_as_compromise = false

treat_as_compromise if {
	input.seconds_since_revoked >= input.grace_seconds
}
`

// OPAEvaluator evaluates the reuse-response policy using OPA Rego. The policy
// module is compiled once at construction, not per request.
type OPAEvaluator struct {
	compiler *ast.Compiler
}

// NewOPAEvaluator returns an evaluator using the embedded strict policy.
func NewOPAEvaluator() (*OPAEvaluator, error) {
	return newFromSource(defaultRegoPolicy)
}

// NewOPAEvaluatorFromFile returns an evaluator using the Rego module at path.
// The module must define data.storefront.token_reuse.treat_as_compromise.
func NewOPAEvaluatorFromFile(path string) (*OPAEvaluator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reuse policy: %w", err)
	}
	return newFromSource(string(src))
}

func newFromSource(policy string) (*OPAEvaluator, error) {
	compiler, err := ast.CompileModules(map[string]string{"token_reuse.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile reuse policy: %w", err)
	}
	return &OPAEvaluator{compiler: compiler}, nil
}

// EvaluateReuse runs the policy for one replay. On any evaluation failure the
// verdict falls back to compromise; reuse handling must fail closed.
func (e *OPAEvaluator) EvaluateReuse(ctx context.Context, rc ReuseContext) (ReuseVerdict, error) {
	input := map[string]interface{}{
		"seconds_since_revoked": rc.SecondsSinceRevoked,
		"rotation_count":        rc.RotationCount,
		"same_ip":               rc.SameIP,
		"grace_seconds":         rc.GraceSeconds,
	}
	q := rego.New(
		rego.Query(reuseQuery),
		rego.Compiler(e.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return ReuseVerdict{TreatAsCompromise: true}, fmt.Errorf("eval reuse policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ReuseVerdict{TreatAsCompromise: true}, fmt.Errorf("reuse policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return ReuseVerdict{TreatAsCompromise: true}, fmt.Errorf("reuse policy returned non-boolean")
	}
	return ReuseVerdict{TreatAsCompromise: v}, nil
}

// HealthCheck verifies that the compiled policy evaluates on a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateReuse(ctx, ReuseContext{SecondsSinceRevoked: 0, GraceSeconds: 0})
	return err
}
