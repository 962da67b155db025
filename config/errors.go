package config

import (
	"fmt"
	"strings"
)

// FileError is a session file that could not be decoded.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// FieldError is one invalid setting.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Msg
}

// Errors lists every invalid setting of a session file.
type Errors struct {
	File string
	Errs []*FieldError
}

func (e *Errors) add(field, format string, args ...any) {
	e.Errs = append(e.Errs, &FieldError{Field: field, Msg: fmt.Sprintf(format, args...)})
}

func (e *Errors) Error() string {
	var b strings.Builder
	for i, err := range e.Errs {
		if i != 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", e.File, err)
	}
	return b.String()
}
