package parser

import "fmt"

// ParseError reports a document that cannot be turned into entries.
// It is specific to one document and never worth retrying unchanged.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse: " + e.Reason
	}
	return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(reason string, err error) *ParseError {
	return &ParseError{Reason: reason, Err: err}
}
