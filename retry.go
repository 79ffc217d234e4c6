package visionflow

import "time"

// RetryBuilder provides a fluent way to construct RetryRule values for use
// with state definitions and MachineBuilder options.
type RetryBuilder struct {
	rule RetryRule
}

// Retry creates a RetryBuilder covering the given error kinds.
//
// No kinds is treated as MatchAll.
func Retry(kinds ...string) RetryBuilder {
	if len(kinds) == 0 {
		kinds = []string{MatchAll}
	}
	return RetryBuilder{rule: RetryRule{ErrorKinds: kinds}}
}

// MaxAttempts sets how many retries are made after the initial failure.
//
// n <= 0 is treated as 0 (no retries; the failure goes straight to Catch).
func (r RetryBuilder) MaxAttempts(n int) RetryBuilder {
	if n < 0 {
		n = 0
	}
	rule := r.rule
	rule.MaxAttempts = n
	return RetryBuilder{rule: rule}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - interval is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//
// Example:
//
//	Retry(ErrorKindTransient).MaxAttempts(3).WithExponentialBackoff(time.Second, 2.0)
func (r RetryBuilder) WithExponentialBackoff(interval time.Duration, multiplier float64) RetryBuilder {
	rule := r.rule
	rule.Interval = interval
	if multiplier <= 0 {
		multiplier = 2.0
	}
	rule.BackoffMultiplier = multiplier
	return RetryBuilder{rule: rule}
}

// WithConstantBackoff configures a constant delay between retries.
//
// This is equivalent to an exponential backoff with multiplier 1.0.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	rule := r.rule
	rule.Interval = delay
	rule.BackoffMultiplier = 1.0
	return RetryBuilder{rule: rule}
}

// Rule returns the built RetryRule.
func (r RetryBuilder) Rule() RetryRule {
	return r.rule
}

// CatchBuilder provides a fluent way to construct CatchRule values.
type CatchBuilder struct {
	rule CatchRule
}

// Catch creates a CatchBuilder covering the given error kinds.
//
// No kinds is treated as MatchAll.
func Catch(kinds ...string) CatchBuilder {
	if len(kinds) == 0 {
		kinds = []string{MatchAll}
	}
	return CatchBuilder{rule: CatchRule{ErrorKinds: kinds}}
}

// At sets where the error object is merged into the document.
func (c CatchBuilder) At(resultPath string) CatchBuilder {
	rule := c.rule
	rule.ResultPath = resultPath
	return CatchBuilder{rule: rule}
}

// To sets the state the caught failure transitions to and returns the
// built CatchRule.
func (c CatchBuilder) To(next string) CatchRule {
	rule := c.rule
	rule.Next = next
	return rule
}
