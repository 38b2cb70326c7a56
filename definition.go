package durable

import "fmt"

// Step is one forward action in a saga definition, paired with the
// compensation that undoes it. Steps execute strictly in order; there is no
// concurrency within one instance.
type Step struct {
	// Name identifies the step within the definition.
	Name string
	// Activity is the name of the registered activity that performs the step.
	Activity string
	// Compensation is the name of the activity that undoes the step after a
	// later failure. Empty means the step needs no compensation.
	Compensation string
	// ResultKey is the key under which the step's output appears in the
	// terminal result's data.
	ResultKey string
}

// Definition is an ordered sequence of steps describing a saga. The engine
// folds an instance's history against the definition to derive the next
// decision, so a definition must not change while instances recorded against
// it are still incomplete.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks that the definition is well formed.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", d.Name)
	}

	names := make(map[string]bool, len(d.Steps))
	keys := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("definition %s: step %d has no name", d.Name, i)
		}
		if names[step.Name] {
			return fmt.Errorf("definition %s: duplicate step name %q", d.Name, step.Name)
		}
		names[step.Name] = true

		if step.Activity == "" {
			return fmt.Errorf("definition %s: step %q has no activity", d.Name, step.Name)
		}
		if step.ResultKey == "" {
			return fmt.Errorf("definition %s: step %q has no result key", d.Name, step.Name)
		}
		if keys[step.ResultKey] {
			return fmt.Errorf("definition %s: duplicate result key %q", d.Name, step.ResultKey)
		}
		keys[step.ResultKey] = true
	}

	return nil
}
