// Package policy admits or blocks conversation requests with an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values produced by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Model              string `json:"model"`
	Action             string `json:"action"`
	PromptLength       int    `json:"prompt_length"`
	ConversationLength int    `json:"conversation_length"`
	InternetAccess     bool   `json:"internet_access"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision string
	Reason   string
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool {
	return r.Decision != DecisionBlock
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent, which must define
// data.conversation_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.conversation_policy.decision"),
		rego.Module("conversation_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Evaluate checks input against the policy. The decision rule may produce a
// string or an object {"decision": ..., "reason": ...}; an undefined decision
// allows the request.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Result, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{Decision: DecisionAllow, Reason: "default"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Result{Decision: v}, nil
	case map[string]interface{}:
		res := Result{Decision: DecisionAllow}
		if d, ok := v["decision"].(string); ok {
			res.Decision = d
		}
		if r, ok := v["reason"].(string); ok {
			res.Reason = r
		}
		return res, nil
	default:
		return Result{}, fmt.Errorf("unexpected policy result type %T", v)
	}
}

// MaxPromptLength is the longest prompt the default policy admits.
const MaxPromptLength = 32000

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package conversation_policy

import rego.v1

default decision := {"decision": "allow"}

decision := {"decision": "block", "reason": "unsupported action"} if {
	input.action != "_ask"
}

decision := {"decision": "block", "reason": "prompt too long"} if {
	input.action == "_ask"
	input.prompt_length > 32000
}
`
