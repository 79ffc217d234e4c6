package api

import (
	"math/rand"
	"time"
)

// StateType tags the behavior of a state in a machine definition.
type StateType string

const (
	StateTask     StateType = "Task"
	StateChoice   StateType = "Choice"
	StateParallel StateType = "Parallel"
	StatePass     StateType = "Pass"
	StateSucceed  StateType = "Succeed"
	StateFail     StateType = "Fail"
)

// DefaultTaskTimeout applies to Task states that do not set TimeoutSeconds.
const DefaultTaskTimeout = 60 * time.Second

// Definition is an immutable directed graph of named states with one
// designated start state. Definitions are validated when registered with an
// engine; a registered definition is never mutated.
type Definition struct {
	Name    string
	StartAt string
	States  map[string]State
}

// State is a tagged variant: the fields that apply depend on Type.
// Unused fields are left zero.
type State struct {
	Type StateType

	// Next names the follow-up state. Empty for Choice (which uses
	// Choices/Default) and for terminal types.
	Next string

	// Task fields. InputPath, when set, narrows the document passed to the
	// executor to the object at that path; the result still merges into the
	// full document at ResultPath.
	Executor       string
	InputPath      string
	TimeoutSeconds int
	ResultPath     string
	Retry          []RetryRule
	Catch          []CatchRule

	// Choice fields.
	Choices []ChoiceRule
	Default string

	// Parallel fields. Branches are full sub-definitions, each with its
	// own StartAt and terminal states. Retry/Catch/ResultPath above apply
	// to the parallel node as a whole.
	Branches []Definition

	// Pass fields. Result is merged at ResultPath.
	Result any

	// Fail fields.
	ErrorKind string
	Cause     string
}

// Timeout returns the per-invocation budget for a Task state.
func (s State) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return DefaultTaskTimeout
}

// SelectInput resolves the state's InputPath against doc. Empty (or "$")
// passes the whole document through. A missing or non-object value at the
// path is a task failure, routed through the state's Retry/Catch rules.
func (s State) SelectInput(doc Document) (Document, error) {
	if s.InputPath == "" || s.InputPath == "$" {
		return doc, nil
	}
	v, ok := doc.Get(s.InputPath)
	if !ok {
		return nil, NewStepError(ErrorKindTaskFailed, "input path %s not present in document", s.InputPath)
	}
	switch m := v.(type) {
	case Document:
		return m, nil
	case map[string]any:
		return Document(m), nil
	}
	return nil, NewStepError(ErrorKindTaskFailed, "input path %s is not an object", s.InputPath)
}

// Terminal reports whether the state ends its (sub-)graph.
func (s State) Terminal() bool {
	return s.Type == StateSucceed || s.Type == StateFail
}

// RetryRule retries failures whose kind is in ErrorKinds. The first rule
// that matches a failure is the one that applies; attempts are counted
// against that rule and reset when the execution moves to another state.
type RetryRule struct {
	ErrorKinds        []string
	Interval          time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
}

// Delay computes the wait before the given retry attempt (1-indexed: the
// delay after the first failure is Delay(1)). The exponential delay is
// jittered by ±20% so synchronized failures don't retry in lockstep.
func (r RetryRule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	mult := r.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(interval)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	// Jitter in [0.8, 1.2).
	d *= 0.8 + 0.4*rand.Float64()
	return time.Duration(d)
}

// CatchRule routes a failure (after retries are exhausted) to Next, merging
// the error object into the document at ResultPath first.
type CatchRule struct {
	ErrorKinds []string
	ResultPath string
	Next       string
}

// MatchRetry returns the index of the first retry rule covering kind,
// or -1 if none does.
func (s State) MatchRetry(kind string) int {
	for i, r := range s.Retry {
		if KindMatches(r.ErrorKinds, kind) {
			return i
		}
	}
	return -1
}

// MatchCatch returns the first catch rule covering kind, or nil.
func (s State) MatchCatch(kind string) *CatchRule {
	for i := range s.Catch {
		if KindMatches(s.Catch[i].ErrorKinds, kind) {
			return &s.Catch[i]
		}
	}
	return nil
}

// ChoiceRule is a guarded transition. Exactly one comparison field should
// be set; Variable is a reference path into the document.
type ChoiceRule struct {
	Variable string

	NumericGreaterThanEquals *float64
	NumericGreaterThan       *float64
	NumericLessThanEquals    *float64
	NumericLessThan          *float64
	StringEquals             *string
	BooleanEquals            *bool

	Next string
}

// Matches evaluates the guard against the document. A missing or
// wrongly-typed variable never matches.
func (r ChoiceRule) Matches(doc Document) bool {
	switch {
	case r.NumericGreaterThanEquals != nil:
		n, ok := doc.GetNumber(r.Variable)
		return ok && n >= *r.NumericGreaterThanEquals
	case r.NumericGreaterThan != nil:
		n, ok := doc.GetNumber(r.Variable)
		return ok && n > *r.NumericGreaterThan
	case r.NumericLessThanEquals != nil:
		n, ok := doc.GetNumber(r.Variable)
		return ok && n <= *r.NumericLessThanEquals
	case r.NumericLessThan != nil:
		n, ok := doc.GetNumber(r.Variable)
		return ok && n < *r.NumericLessThan
	case r.StringEquals != nil:
		s, ok := doc.GetString(r.Variable)
		return ok && s == *r.StringEquals
	case r.BooleanEquals != nil:
		b, ok := doc.GetBool(r.Variable)
		return ok && b == *r.BooleanEquals
	default:
		return false
	}
}

// Float is a convenience for building ChoiceRule comparison fields.
func Float(v float64) *float64 { return &v }

// Str is a convenience for building ChoiceRule comparison fields.
func Str(v string) *string { return &v }

// Bool is a convenience for building ChoiceRule comparison fields.
func Bool(v bool) *bool { return &v }
