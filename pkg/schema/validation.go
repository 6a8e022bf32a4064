package schema

import "fmt"

// ValidationIssue is one problem found while checking a workflow document.
// Whether it is an error or a warning is carried by the ValidationResult
// slice it lives in, not by the issue itself.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues from every stage of the validation
// pipeline. Errors make the document unusable; warnings ship with it.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the document can be used. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

// AddErrorf records an error-severity issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning records a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message})
}

// AddWarningf records a warning-severity issue with a formatted message.
func (r *ValidationResult) AddWarningf(path, code, format string, args ...any) {
	r.AddWarning(path, code, fmt.Sprintf(format, args...))
}

// Merge folds another result's issues into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR
// carrying every issue. A single error keeps its own message; multiple
// errors report the count, with the full lists travelling in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow validation failed: %d errors", len(r.Errors))
	}

	details := map[string]any{"errors": r.Errors}
	if len(r.Warnings) > 0 {
		details["warnings"] = r.Warnings
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
