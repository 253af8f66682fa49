package claims

import "fmt"

// InputError reports a malformed or incomplete claims document.
type InputError struct {
	Source string
	Field  string
	Err    error
}

func (e *InputError) Error() string {
	switch {
	case e.Source != "" && e.Field != "":
		return fmt.Sprintf("claims input %s: %s: %v", e.Source, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("claims input: %s: %v", e.Field, e.Err)
	case e.Source != "":
		return fmt.Sprintf("claims input %s: %v", e.Source, e.Err)
	default:
		return fmt.Sprintf("claims input: %v", e.Err)
	}
}

func (e *InputError) Unwrap() error { return e.Err }

// EncodingError reports a field value that cannot be represented in the leaf
// layout, such as a malformed address or an amount beyond uint256.
type EncodingError struct {
	Field string
	Value string
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("encode %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("encode %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func inputErr(field string, format string, args ...interface{}) error {
	return &InputError{Field: field, Err: fmt.Errorf(format, args...)}
}
