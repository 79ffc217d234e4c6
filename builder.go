package visionflow

import (
	"fmt"

	"github.com/petrijr/visionflow/pkg/api"
)

// MachineBuilder provides a fluent API for defining state machines:
//
//	def := visionflow.NewMachine("resize").
//	    StartAt("Resize").
//	    Task("Resize", "resize_image", "Done",
//	        visionflow.WithResultPath("$.resize"),
//	        visionflow.WithRetry(visionflow.Retry(visionflow.ErrorKindTransient).MaxAttempts(3).Rule()),
//	    ).
//	    Succeed("Done").
//	    Definition()
//
//	if err := engine.RegisterMachine(def); err != nil {
//	    log.Fatal(err)
//	}
type MachineBuilder struct {
	def api.Definition
}

// NewMachine creates a new machine builder with the given name.
func NewMachine(name string) *MachineBuilder {
	return &MachineBuilder{
		def: api.Definition{
			Name:   name,
			States: make(map[string]api.State),
		},
	}
}

// Name returns the machine name.
func (b *MachineBuilder) Name() string {
	return b.def.Name
}

// StartAt sets the start state.
func (b *MachineBuilder) StartAt(name string) *MachineBuilder {
	b.def.StartAt = name
	return b
}

// Definition returns the built definition. Structural validation happens at
// RegisterMachine, not here.
func (b *MachineBuilder) Definition() Definition {
	return b.def
}

// StateOption tweaks a state added by the builder.
type StateOption func(*api.State)

// WithResultPath sets where the state's result is merged into the document.
func WithResultPath(path string) StateOption {
	return func(s *api.State) { s.ResultPath = path }
}

// WithInputPath narrows the document passed to a Task executor to the object
// at the given path.
func WithInputPath(path string) StateOption {
	return func(s *api.State) { s.InputPath = path }
}

// WithTimeoutSeconds sets the per-invocation budget of a Task state.
func WithTimeoutSeconds(seconds int) StateOption {
	return func(s *api.State) { s.TimeoutSeconds = seconds }
}

// WithRetry appends retry rules to the state.
func WithRetry(rules ...RetryRule) StateOption {
	return func(s *api.State) { s.Retry = append(s.Retry, rules...) }
}

// WithCatch appends catch rules to the state.
func WithCatch(rules ...CatchRule) StateOption {
	return func(s *api.State) { s.Catch = append(s.Catch, rules...) }
}

// Task adds a Task state invoking the named executor, then moving to next.
func (b *MachineBuilder) Task(name, executor, next string, opts ...StateOption) *MachineBuilder {
	st := api.State{
		Type:     api.StateTask,
		Executor: executor,
		Next:     next,
	}
	for _, opt := range opts {
		opt(&st)
	}
	return b.add(name, st)
}

// Choice adds a Choice state with ordered guards and a default target.
func (b *MachineBuilder) Choice(name, defaultNext string, rules ...ChoiceRule) *MachineBuilder {
	return b.add(name, api.State{
		Type:    api.StateChoice,
		Choices: rules,
		Default: defaultNext,
	})
}

// Pass adds a Pass state merging result at resultPath, then moving to next.
func (b *MachineBuilder) Pass(name, next string, result any, resultPath string) *MachineBuilder {
	return b.add(name, api.State{
		Type:       api.StatePass,
		Result:     result,
		ResultPath: resultPath,
		Next:       next,
	})
}

// Parallel adds a Parallel state forking into the given branches, then
// moving to next once all branches complete.
func (b *MachineBuilder) Parallel(name, next string, branches []Definition, opts ...StateOption) *MachineBuilder {
	st := api.State{
		Type:     api.StateParallel,
		Branches: branches,
		Next:     next,
	}
	for _, opt := range opts {
		opt(&st)
	}
	return b.add(name, st)
}

// Succeed adds a terminal Succeed state.
func (b *MachineBuilder) Succeed(name string) *MachineBuilder {
	return b.add(name, api.State{Type: api.StateSucceed})
}

// Fail adds a terminal Fail state.
func (b *MachineBuilder) Fail(name, errorKind, cause string) *MachineBuilder {
	return b.add(name, api.State{
		Type:      api.StateFail,
		ErrorKind: errorKind,
		Cause:     cause,
	})
}

func (b *MachineBuilder) add(name string, st api.State) *MachineBuilder {
	if name == "" {
		panic("visionflow: state name must not be empty")
	}
	if _, dup := b.def.States[name]; dup {
		panic(fmt.Sprintf("visionflow: state %q defined twice", name))
	}
	b.def.States[name] = st
	return b
}

// Register registers the built machine with the given engine.
func (b *MachineBuilder) Register(eng Engine) error {
	return eng.RegisterMachine(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *MachineBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
