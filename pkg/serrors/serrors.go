package serrors

import "fmt"

// Base is a coded sentinel error. Instances are package-level vars compared
// with errors.Is; callers wrap them with %w to attach detail.
type Base struct {
	Code    string
	Message string
	Doc     string
}

func NewError(code, message, doc string) *Base {
	return &Base{Code: code, Message: message, Doc: doc}
}

func (e *Base) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
