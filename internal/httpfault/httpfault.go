// Package httpfault maps the request-pipeline's error categories onto one
// typed error carrying its own HTTP status, so handlers can pass it to a
// single writer that produces the {ok:false, error:"..."} envelope instead
// of each handler hand-rolling a status code.
package httpfault

import "fmt"

// Kind names one of the error categories the request pipeline recognises.
type Kind string

const (
	Validation   Kind = "validation"
	Authz        Kind = "authz"
	NotFound     Kind = "notfound"
	PathDenied   Kind = "pathdenied"
	Transient    Kind = "transient"
	ActionPolicy Kind = "actionpolicy"
)

// Error is a request-handling failure with a pre-decided HTTP status.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func newf(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports a 400: bad name, bad mode, malformed backup filename,
// non-JSON body where JSON was required.
func Validationf(format string, args ...any) *Error { return newf(Validation, 400, format, args...) }

// Unauthorizedf reports a 401: missing or mismatched API token.
func Unauthorizedf(format string, args ...any) *Error { return newf(Authz, 401, format, args...) }

// Forbiddenf reports a 403: client IP not admitted.
func Forbiddenf(format string, args ...any) *Error { return newf(Authz, 403, format, args...) }

// NotFoundf reports a 404: unknown entry, missing backup, missing target
// file, or unrecognised route.
func NotFoundf(format string, args ...any) *Error { return newf(NotFound, 404, format, args...) }

// PathDeniedf reports a 400: PathGuard rejection or symlink target.
func PathDeniedf(format string, args ...any) *Error { return newf(PathDenied, 400, format, args...) }

// Transientf reports a 500: write failure, uncreatable backup dir,
// subprocess launch error.
func Transientf(format string, args ...any) *Error { return newf(Transient, 500, format, args...) }

// ActionPolicyf reports a 400: unknown/forbidden action token, forbidden
// sub-command, or an argument failing the syntactic whitelist.
func ActionPolicyf(format string, args ...any) *Error {
	return newf(ActionPolicy, 400, format, args...)
}
