package gateway

import (
	"fmt"
	"net/http"
)

// Outcome is the terminal state of a request.
type Outcome uint8

const (
	OutcomeCompleted Outcome = iota
	OutcomeRateLimited
	OutcomeUnauthorized
	OutcomeForbidden
	OutcomeRouteNotFound
	OutcomeUpstreamFailed
	OutcomeInternalError
	// OutcomeCanceled means the client went away before a response was
	// written. Nothing is sent.
	OutcomeCanceled
)

var outcomeNames = [...]string{
	OutcomeCompleted:      "completed",
	OutcomeRateLimited:    "rate_limited",
	OutcomeUnauthorized:   "unauthorized",
	OutcomeForbidden:      "forbidden",
	OutcomeRouteNotFound:  "route_not_found",
	OutcomeUpstreamFailed: "upstream_failed",
	OutcomeInternalError:  "internal_error",
	OutcomeCanceled:       "canceled",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Status is the HTTP status written for the outcome. Completed requests
// carry the upstream status instead.
func (o Outcome) Status() int {
	switch o {
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	case OutcomeUnauthorized:
		return http.StatusUnauthorized
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeRouteNotFound:
		return http.StatusNotFound
	case OutcomeUpstreamFailed:
		return http.StatusBadGateway
	case OutcomeInternalError:
		return http.StatusInternalServerError
	case OutcomeCanceled:
		return 499
	}
	return http.StatusOK
}

// Client-facing messages.
const (
	MsgRateLimited       = "Too many requests, please try again later"
	MsgMissingCredential = "Authentication required"
	MsgInvalidCredential = "Invalid or expired token"
	MsgForbidden         = "Admin access required"
	MsgRouteNotFound     = "Route not found"
	MsgUpstreamFailed    = "Service unavailable"
	MsgInternalError     = "Internal server error"
)
