package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies venue failures so callers never parse messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindDuplicate
	KindInsufficientFunds
	KindCredential
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindDuplicate:
		return "duplicate_order"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindCredential:
		return "invalid_credentials"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// VenueError is returned by every Gateway implementation.
type VenueError struct {
	Venue string
	Op    string
	Kind  ErrorKind
	Code  int // venue-native error code, 0 if none
	Err   error
}

func (e *VenueError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s (%s, code %d): %v", e.Venue, e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError builds a classified error.
func NewVenueError(venue, op string, kind ErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}

// KindOf returns the classification of err. Errors produced outside an
// adapter fall back to message inspection.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnavailable
	}
	return classifyMessage(err.Error())
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k ErrorKind) bool {
	return err != nil && KindOf(err) == k
}

func classifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "429"), strings.Contains(m, "too many requests"), strings.Contains(m, "rate limit"):
		return KindRateLimited
	case strings.Contains(m, "duplicate"):
		return KindDuplicate
	case strings.Contains(m, "insufficient"):
		return KindInsufficientFunds
	case strings.Contains(m, "api-key"), strings.Contains(m, "api key"), strings.Contains(m, "signature"):
		return KindCredential
	default:
		return KindUnknown
	}
}
