package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zeebo/errs"
)

var (
	Error = errs.Class("api")

	// ErrTransient marks failures that may succeed later: no connectivity
	// or a server error.
	ErrTransient = errs.Class("transient")
	// ErrPermanent marks 4xx answers other than a handled 401.
	ErrPermanent = errs.Class("permanent")
	// ErrUnauthenticated means a 401 could not be recovered by a refresh.
	ErrUnauthenticated = errs.Class("unauthenticated")
)

type Classification int

const (
	Success Classification = iota
	Transient
	Permanent
	Unauthenticated
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// HTTPError is a non-2xx response carrying the {error:{code,message}} body.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Classify maps an error returned by the transport (or anything wrapping
// one) onto the failure taxonomy. Errors the transport did not classify,
// such as dial failures or deadlines, count as Transient.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Success
	case ErrUnauthenticated.Has(err):
		return Unauthenticated
	case ErrPermanent.Has(err):
		return Permanent
	case ErrTransient.Has(err):
		return Transient
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}
	return Transient
}

func classifyStatus(status int) Classification {
	switch {
	case status >= 200 && status <= 299:
		return Success
	case status == http.StatusUnauthorized:
		return Unauthenticated
	case status >= 500:
		return Transient
	default:
		// 4xx, and any 1xx/3xx the HTTP client did not follow.
		return Permanent
	}
}

func wrapStatus(httpErr *HTTPError) error {
	switch classifyStatus(httpErr.StatusCode) {
	case Permanent:
		return ErrPermanent.Wrap(httpErr)
	case Unauthenticated:
		return ErrUnauthenticated.Wrap(httpErr)
	default:
		return ErrTransient.Wrap(httpErr)
	}
}
