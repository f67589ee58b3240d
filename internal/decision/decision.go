// Package decision is an embedded decision-table evaluator. A definition
// declares a graph of named inputs, decision tables and a final outcome;
// condition cells are expr-lang expressions evaluated against a flat
// record of fields. The engine knows nothing about metadata, storage or
// rules: callers hand it a definition and an input map and get back
// pass/fail plus a message.
package decision

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Definition is the declarative input → decision-table → output graph.
type Definition struct {
	Inputs []Input `json:"inputs"`
	Tables []Table `json:"tables"`
}

// Input declares a field the tables read. When Expression is set, the
// input is derived by evaluating it against the raw record; otherwise
// the field is taken from the record as-is.
type Input struct {
	Name       string `json:"name"`
	Expression string `json:"expression,omitempty"`
}

// Table is one decision table: rows are evaluated in order and the hit
// policy decides how matches resolve.
type Table struct {
	Name      string   `json:"name,omitempty"`
	HitPolicy string   `json:"hit_policy,omitempty"` // "first" (default): first matching row wins
	Rows      []Row    `json:"rows"`
	Default   *Outcome `json:"default,omitempty"` // outcome when no row matches; nil means pass
}

// Row matches when every condition cell evaluates true. Each cell is
// keyed by input name; inside the cell expression, `value` is bound to
// that input and all inputs are reachable by name.
type Row struct {
	When map[string]string `json:"when"`
	Then Outcome           `json:"then"`
}

// Outcome is the output node of the graph.
type Outcome struct {
	Pass    bool   `json:"pass"`
	Message string `json:"message,omitempty"`
}

// Result of evaluating a whole definition.
type Result struct {
	Pass    bool
	Message string
}

// Engine evaluates definitions, caching compiled cell programs.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the definition against a flat record. Tables are
// evaluated in order; the first failing outcome short-circuits.
func (e *Engine) Evaluate(def *Definition, record map[string]any) (Result, error) {
	env, err := e.buildInputs(def, record)
	if err != nil {
		return Result{}, err
	}

	for ti := range def.Tables {
		t := &def.Tables[ti]
		outcome, err := e.evalTable(t, env)
		if err != nil {
			return Result{}, fmt.Errorf("table %q: %w", t.Name, err)
		}
		if outcome != nil && !outcome.Pass {
			return Result{Pass: false, Message: outcome.Message}, nil
		}
	}
	return Result{Pass: true}, nil
}

func (e *Engine) buildInputs(def *Definition, record map[string]any) (map[string]any, error) {
	env := make(map[string]any, len(def.Inputs)+1)
	for _, in := range def.Inputs {
		if in.Expression == "" {
			env[in.Name] = record[in.Name]
			continue
		}
		val, err := e.run(in.Expression, map[string]any{"record": record})
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		env[in.Name] = val
	}
	env["record"] = record
	return env, nil
}

func (e *Engine) evalTable(t *Table, env map[string]any) (*Outcome, error) {
	for ri := range t.Rows {
		row := &t.Rows[ri]
		matched, err := e.rowMatches(row, env)
		if err != nil {
			return nil, err
		}
		if matched {
			return &row.Then, nil
		}
	}
	return t.Default, nil
}

func (e *Engine) rowMatches(row *Row, env map[string]any) (bool, error) {
	for input, cell := range row.When {
		cellEnv := make(map[string]any, len(env)+1)
		for k, v := range env {
			cellEnv[k] = v
		}
		cellEnv["value"] = env[input]

		out, err := e.run(cell, cellEnv)
		if err != nil {
			return false, fmt.Errorf("cell %q: %w", cell, err)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("cell %q did not evaluate to a boolean", cell)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) run(expression string, env map[string]any) (any, error) {
	prog, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	return expr.Run(prog, env)
}

func (e *Engine) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	compiled, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}
