package rules

import "fmt"

// DefinitionError reports a malformed rule document. It is returned at publish
// time so a broken rule never reaches the store.
type DefinitionError struct {
	Path   string // JSON-ish location inside the definition, e.g. "nodes[2].condition"
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Path == "" {
		return "rules: invalid definition: " + e.Reason
	}
	return fmt.Sprintf("rules: invalid definition at %s: %s", e.Path, e.Reason)
}

func defErr(path, format string, args ...any) *DefinitionError {
	return &DefinitionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// EvaluationError codes.
const (
	CodeMissingVariable = "missing_variable"
	CodeTypeMismatch    = "type_mismatch"
	CodeDivisionByZero  = "division_by_zero"
	CodeTimeout         = "timeout"
	CodeNoActiveRule    = "no_active_rule"
	CodeInternal        = "internal"
)

// EvaluationError is a runtime failure of a well-formed rule against a
// particular input. Callers treat it as "rule path failed".
type EvaluationError struct {
	Code     string
	Variable string
	Message  string
}

func (e *EvaluationError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("rules: %s (%s): %s", e.Code, e.Variable, e.Message)
	}
	return fmt.Sprintf("rules: %s: %s", e.Code, e.Message)
}

func missingVar(name string) *EvaluationError {
	return &EvaluationError{Code: CodeMissingVariable, Variable: name, Message: "variable not present in input"}
}

func typeMismatch(name, format string, args ...any) *EvaluationError {
	return &EvaluationError{Code: CodeTypeMismatch, Variable: name, Message: fmt.Sprintf(format, args...)}
}
