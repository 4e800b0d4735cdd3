package kestrel

import "github.com/go-playground/validator/v10"

var identifierValidator = validator.New()

// validEmail reports whether value is a plausible email address. Format
// checking happens before the ledger is touched so malformed targets never
// claim a slot.
func validEmail(value string) bool {
	if value == "" {
		return false
	}
	return identifierValidator.Var(value, "required,email") == nil
}
