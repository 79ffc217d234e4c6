package engine

import (
	"strings"

	"github.com/petrijr/visionflow/pkg/api"
)

// validateDefinition structurally checks a machine definition so that
// malformed graphs are rejected at registration, never at runtime.
//
// Rejected: missing/dangling StartAt or Next, Choice without a Default or
// with dangling guard targets, terminal states with a Next, Task states
// without an executor name, unreachable states, and cycles (the managed
// format this mirrors permits loops, but none of our graphs make progress
// through one, so a cycle is always a definition bug here).
func validateDefinition(def api.Definition) error {
	if def.Name == "" {
		return &api.DefinitionError{Machine: def.Name, Reason: "machine name is required"}
	}
	return validateGraph(def.Name, def)
}

func validateGraph(machine string, def api.Definition) error {
	if len(def.States) == 0 {
		return &api.DefinitionError{Machine: machine, Reason: "must have at least one state"}
	}
	if def.StartAt == "" {
		return &api.DefinitionError{Machine: machine, Reason: "StartAt is required"}
	}
	if _, ok := def.States[def.StartAt]; !ok {
		return &api.DefinitionError{Machine: machine, Reason: "StartAt references unknown state " + def.StartAt}
	}

	for name, st := range def.States {
		if err := validateState(machine, name, st, def); err != nil {
			return err
		}
	}

	if err := checkReachability(machine, def); err != nil {
		return err
	}
	return checkAcyclic(machine, def)
}

func validateState(machine, name string, st api.State, def api.Definition) error {
	fail := func(reason string) error {
		return &api.DefinitionError{Machine: machine, State: name, Reason: reason}
	}

	checkTarget := func(target, what string) error {
		if target == "" {
			return fail(what + " is required")
		}
		if _, ok := def.States[target]; !ok {
			return fail(what + " references unknown state " + target)
		}
		return nil
	}

	switch st.Type {
	case api.StateTask:
		if st.Executor == "" {
			return fail("task executor name is required")
		}
		if st.InputPath != "" && st.InputPath != "$" && !strings.HasPrefix(st.InputPath, "$.") {
			return fail("InputPath must be $ or start with $.")
		}
		if err := checkTarget(st.Next, "Next"); err != nil {
			return err
		}
	case api.StatePass:
		if err := checkTarget(st.Next, "Next"); err != nil {
			return err
		}
	case api.StateChoice:
		if len(st.Choices) == 0 {
			return fail("choice needs at least one guard")
		}
		// Guards can all fall through at runtime, so a Default is always
		// required; its absence is a definition error, not a runtime one.
		if err := checkTarget(st.Default, "Default"); err != nil {
			return err
		}
		for _, c := range st.Choices {
			if c.Variable == "" {
				return fail("choice guard without a Variable")
			}
			if err := checkTarget(c.Next, "choice guard Next"); err != nil {
				return err
			}
		}
	case api.StateParallel:
		if len(st.Branches) == 0 {
			return fail("parallel needs at least one branch")
		}
		if err := checkTarget(st.Next, "Next"); err != nil {
			return err
		}
		for _, br := range st.Branches {
			if err := validateGraph(machine, br); err != nil {
				return err
			}
		}
	case api.StateSucceed, api.StateFail:
		if st.Next != "" {
			return fail("terminal state must not set Next")
		}
	default:
		return fail("unknown state type " + string(st.Type))
	}

	for _, c := range st.Catch {
		if err := checkTarget(c.Next, "catch Next"); err != nil {
			return err
		}
		if len(c.ErrorKinds) == 0 {
			return fail("catch rule without error kinds")
		}
	}
	for _, r := range st.Retry {
		if len(r.ErrorKinds) == 0 {
			return fail("retry rule without error kinds")
		}
		if r.MaxAttempts < 0 {
			return fail("retry rule with negative MaxAttempts")
		}
	}
	return nil
}

// successors lists the states directly reachable from st.
func successors(st api.State) []string {
	var out []string
	if st.Next != "" {
		out = append(out, st.Next)
	}
	for _, c := range st.Choices {
		out = append(out, c.Next)
	}
	if st.Default != "" {
		out = append(out, st.Default)
	}
	for _, c := range st.Catch {
		out = append(out, c.Next)
	}
	return out
}

func checkReachability(machine string, def api.Definition) error {
	reached := map[string]bool{def.StartAt: true}
	stack := []string{def.StartAt}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range successors(def.States[cur]) {
			if !reached[next] {
				reached[next] = true
				stack = append(stack, next)
			}
		}
	}
	for name := range def.States {
		if !reached[name] {
			return &api.DefinitionError{Machine: machine, State: name, Reason: "state is unreachable"}
		}
	}
	return nil
}

func checkAcyclic(machine string, def api.Definition) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	color := make(map[string]int, len(def.States))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case inStack:
			return &api.DefinitionError{Machine: machine, State: name, Reason: "cycle detected"}
		case done:
			return nil
		}
		color[name] = inStack
		for _, next := range successors(def.States[name]) {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[name] = done
		return nil
	}
	return visit(def.StartAt)
}
