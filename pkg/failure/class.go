// Package failure maps errors raised while applying a queue item into the
// small set of classes the retry policy understands.
package failure

import (
	"errors"
	"net/http"

	"github.com/zoff-tech/go-calsync/pkg/schema"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Class is the outcome category of a failed provider call.
type Class string

const (
	AuthInvalid    Class = "auth_invalid"
	NotFound       Class = "not_found"
	RateLimited    Class = "rate_limited"
	Transient      Class = "transient"
	InvalidPayload Class = "invalid_payload"
	// Forbidden is a permission refusal on one calendar or event. The credential itself still works.
	Forbidden Class = "forbidden"
)

var (
	// ErrAuthInvalid marks a rejected, revoked or missing credential.
	ErrAuthInvalid = errors.New("calendar credentials rejected")
	// ErrNotFound marks a referenced external resource that no longer exists.
	ErrNotFound = errors.New("external resource not found")
	// ErrRateLimited marks a provider throttling signal.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// Retryable reports whether an item failing with this class may be attempted again.
func (c Class) Retryable() bool {
	return c == RateLimited || c == Transient
}

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// credentialReasons are 403 reasons that reject the token as a whole.
var credentialReasons = map[string]bool{
	"authError":               true,
	"insufficientPermissions": true,
}

// Classify inspects err and returns its class. Unknown errors are Transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, schema.ErrInvalidPayload):
		return InvalidPayload
	case errors.Is(err, ErrAuthInvalid):
		return AuthInvalid
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrRateLimited):
		return RateLimited
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return AuthInvalid
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
			return AuthInvalid
		}
		return Transient
	}

	return Transient
}

func classifyStatus(apiErr *googleapi.Error) Class {
	switch apiErr.Code {
	case http.StatusUnauthorized:
		return AuthInvalid
	case http.StatusNotFound, http.StatusGone:
		return NotFound
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusForbidden:
		for _, item := range apiErr.Errors {
			if rateLimitReasons[item.Reason] {
				return RateLimited
			}
		}
		for _, item := range apiErr.Errors {
			if credentialReasons[item.Reason] {
				return AuthInvalid
			}
		}
		return Forbidden
	}
	return Transient
}
