// Package schema defines the HCL shapes of task files. Attribute values
// that may reference parametrize values stay as hcl.Expression and are
// evaluated per expansion during collection.
package schema

import "github.com/hashicorp/hcl/v2"

// TaskFile is the top-level structure of a task_*.hcl file.
type TaskFile struct {
	Tasks []*TaskBlock `hcl:"task,block"`
	Body  hcl.Body     `hcl:",remain"`
}

// TaskBlock is one `task "<name>" { ... }` declaration.
type TaskBlock struct {
	Name string `hcl:"name,label"`

	// Runner names the registered function. Defaults to the task name.
	Runner string `hcl:"runner,optional"`

	// DependsOn and Produces hold node descriptors: a single value, a
	// tuple, or an object. Kept as expressions so `param.*` references
	// resolve per parametrize expansion.
	DependsOn hcl.Expression `hcl:"depends_on,optional"`
	Produces  hcl.Expression `hcl:"produces,optional"`

	TryFirst bool `hcl:"try_first,optional"`
	TryLast  bool `hcl:"try_last,optional"`

	Params      *ParamsBlock        `hcl:"params,block"`
	Parametrize []*ParametrizeBlock `hcl:"parametrize,block"`
	Marks       []*MarkBlock        `hcl:"mark,block"`
}

// ParamsBlock carries fixed parameters passed to the runner. Attributes
// are arbitrary, so the body is kept raw.
type ParamsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// ParametrizeBlock expands the enclosing task over argument vectors.
// Multiple blocks combine by Cartesian product.
type ParametrizeBlock struct {
	Argnames  []string       `hcl:"argnames"`
	Argvalues hcl.Expression `hcl:"argvalues"`
	IDs       []string       `hcl:"ids,optional"`
}

// MarkBlock attaches a mark to the enclosing task.
type MarkBlock struct {
	Name   string         `hcl:"name,label"`
	Args   hcl.Expression `hcl:"args,optional"`
	Kwargs hcl.Expression `hcl:"kwargs,optional"`
}
