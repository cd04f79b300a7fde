package dasbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"
)

// An ErrorRule maps between Go errors and DBus error names.
type ErrorRule interface {
	// MatchError reports whether the rule applies to err.
	MatchError(err error) bool
	// ErrorName returns the DBus error name for err. It is only
	// called if MatchError(err) is true.
	ErrorName(err error) string
	// MatchName reports whether the rule applies to the DBus error
	// name.
	MatchName(name string) bool
	// NewError returns a Go error for the DBus error name and
	// message. It is only called if MatchName(name) is true.
	NewError(name, message string) error
}

// NewErrorRule returns a rule that maps errors whose dynamic type is
// exactly E to name, and back.
//
// If E is CallError, or a struct or pointer to struct that embeds
// CallError, the rule also constructs E values for the name, with the
// embedded CallError set. Otherwise, the rule only maps errors to the
// name and is skipped when looking up a name.
func NewErrorRule[E error](name string) ErrorRule {
	return &typeRule[E]{name: name, mk: errorConstructor(reflect.TypeFor[E]())}
}

// NewWrappedErrorRule is like [NewErrorRule], but also matches errors
// that wrap an E, as reported by [errors.As].
func NewWrappedErrorRule[E error](name string) ErrorRule {
	return &typeRule[E]{name: name, wrapped: true, mk: errorConstructor(reflect.TypeFor[E]())}
}

type typeRule[E error] struct {
	name    string
	wrapped bool
	mk      func(name, message string) error
}

func (r *typeRule[E]) MatchError(err error) bool {
	if reflect.TypeOf(err) == reflect.TypeFor[E]() {
		return true
	}
	if !r.wrapped {
		return false
	}
	var target E
	return errors.As(err, &target)
}

func (r *typeRule[E]) ErrorName(error) string { return r.name }

func (r *typeRule[E]) MatchName(name string) bool {
	return r.mk != nil && name == r.name
}

func (r *typeRule[E]) NewError(name, message string) error {
	return r.mk(name, message)
}

var callErrorType = reflect.TypeFor[CallError]()

// errorConstructor returns a function that makes a t from a DBus
// error name and message, or nil if t cannot be constructed that way.
func errorConstructor(t reflect.Type) func(name, message string) error {
	if t == callErrorType {
		return func(name, message string) error { return CallError{name, message} }
	}

	isPtr := t.Kind() == reflect.Pointer
	st := t
	if isPtr {
		st = t.Elem()
	}
	if st.Kind() != reflect.Struct {
		return nil
	}
	f, ok := st.FieldByName("CallError")
	if !ok || !f.Anonymous || f.Type != callErrorType || len(f.Index) != 1 {
		return nil
	}

	return func(name, message string) error {
		ptr := reflect.New(st)
		ptr.Elem().Field(f.Index[0]).Set(reflect.ValueOf(CallError{name, message}))
		if isPtr {
			return ptr.Interface().(error)
		}
		return ptr.Elem().Interface().(error)
	}
}

// DefaultErrorNamespace is the namespace of error names made up by
// the default error rule.
const DefaultErrorNamespace = "not.known.Error"

// DefaultErrorRule is the fallback rule of an [ErrorMapper]. It
// matches every error and every name.
//
// Errors that carry a DBus error name, see [ErrorNameOf], map to that
// name. Other errors map to Namespace + "." + the name of the error's
// Go type, or "Error" if the type is unnamed or unexported.
//
// Names map to errors made by New. If New is nil, the rule matches no
// names, so that looking up a name not covered by other rules fails
// with a [LookupError].
type DefaultErrorRule struct {
	Namespace string
	New       func(name, message string) error
}

func (r DefaultErrorRule) MatchError(error) bool { return true }

func (r DefaultErrorRule) ErrorName(err error) string {
	if name, ok := ErrorNameOf(err); ok {
		return name
	}
	return r.Namespace + "." + bareTypeName(err)
}

func (r DefaultErrorRule) MatchName(string) bool { return r.New != nil }

func (r DefaultErrorRule) NewError(name, message string) error {
	return r.New(name, message)
}

func bareTypeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if r, _ := utf8.DecodeRuneInString(name); name == "" || !unicode.IsUpper(r) {
		return "Error"
	}
	return name
}

func newCallError(name, message string) error {
	return CallError{name, message}
}

// An ErrorMapper maps Go errors to DBus error names and back, using
// an ordered list of [ErrorRule]s. Rules added later take precedence
// over earlier ones.
//
// An ErrorMapper is safe for concurrent use.
type ErrorMapper struct {
	mu    sync.RWMutex
	rules []ErrorRule
}

// NewErrorMapper returns an ErrorMapper with only the default rule:
// a [DefaultErrorRule] in [DefaultErrorNamespace] that maps names to
// [CallError]s.
func NewErrorMapper() *ErrorMapper {
	ret := &ErrorMapper{}
	ret.Reset()
	return ret
}

// AddRule adds rule to the mapper, with higher priority than all
// existing rules.
func (m *ErrorMapper) AddRule(rule ErrorRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Reset removes all rules, and restores the default rule.
func (m *ErrorMapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = []ErrorRule{DefaultErrorRule{
		Namespace: DefaultErrorNamespace,
		New:       newCallError,
	}}
}

// Clear removes all rules, including the default rule.
func (m *ErrorMapper) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = nil
}

// ErrorName returns the DBus error name for err, as given by the
// most recently added rule that matches err.
func (m *ErrorMapper) ErrorName(err error) (string, error) {
	if err == nil {
		return "", errors.New("cannot map nil error")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.rules) - 1; i >= 0; i-- {
		if r := m.rules[i]; r.MatchError(err) {
			return r.ErrorName(err), nil
		}
	}
	return "", LookupError{fmt.Sprintf("error type %T", err)}
}

// NewError returns the Go error for the DBus error name and message,
// as constructed by the most recently added rule that matches name.
func (m *ErrorMapper) NewError(name, message string) (error, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.rules) - 1; i >= 0; i-- {
		if r := m.rules[i]; r.MatchName(name) {
			return r.NewError(name, message), nil
		}
	}
	return nil, LookupError{fmt.Sprintf("error name %q", name)}
}
