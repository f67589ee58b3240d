package engine

import "fmt"

// AppError is the structured error returned to callers. Details carries
// field-level entries for validation failures; Results carries rule-level
// entries for consistency violations.
type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	Results []RuleResult  `json:"rule_results,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func TableNotFoundError(name string) *AppError {
	return &AppError{
		Code:    "TABLE_NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Unknown table: %s", name),
	}
}

func NotFoundError(table, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", table, id),
	}
}

// InvalidIdentifierError is fatal to the operation: a name outside the
// metadata allow-list never reaches a query plan.
func InvalidIdentifierError(name string) *AppError {
	return &AppError{
		Code:    "INVALID_IDENTIFIER",
		Status:  400,
		Message: fmt.Sprintf("Unknown identifier: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func PermissionDeniedError(action, table string) *AppError {
	return &AppError{
		Code:    "PERMISSION_DENIED",
		Status:  403,
		Message: fmt.Sprintf("Permission denied for %s on %s", action, table),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func RuleViolationError(results []RuleResult) *AppError {
	return &AppError{
		Code:    "RULE_VIOLATION",
		Status:  422,
		Message: "One or more consistency rules failed",
		Results: results,
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func NotFilterableError(column string) *AppError {
	return &AppError{
		Code:    "FIELD_NOT_FILTERABLE",
		Status:  400,
		Message: fmt.Sprintf("Column %s does not support filtering", column),
	}
}

func NotSortableError(column string) *AppError {
	return &AppError{
		Code:    "FIELD_NOT_SORTABLE",
		Status:  400,
		Message: fmt.Sprintf("Column %s does not support sorting", column),
	}
}
