package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNameConflict is returned when a batch would introduce a task whose
	// name is already taken by a pending or in-progress task.
	ErrNameConflict = errors.New("task name already in use")

	// ErrUnknownDependency is returned when a dependency reference matches
	// neither a task id nor a task name in the resulting collection.
	ErrUnknownDependency = errors.New("unknown dependency reference")

	// ErrInvariant marks a rejected operation that would break a task
	// lifecycle or graph rule. The wrapped message names the rule.
	ErrInvariant = errors.New("task invariant violated")

	// ErrInvalidMode is returned for an unknown batch update mode.
	ErrInvalidMode = errors.New("unknown update mode")

	// ErrConfirmRequired is returned when ClearAll is called without the
	// explicit confirmation flag.
	ErrConfirmRequired = errors.New("clearing all tasks requires explicit confirmation")
)

// CycleError is returned when a batch would make the dependency graph cyclic.
// Cycle holds the offending task names in dependency order, closing on the
// first element.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}
