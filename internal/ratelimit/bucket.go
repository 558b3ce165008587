// Package ratelimit implements per-client fixed-window rate limiting with
// two budgets: a general one applied to every request and a stricter one
// for credential endpoints. Counters live in process memory by default or
// in Redis when several gateway replicas must share them.
package ratelimit

import (
	"fmt"
	"strings"
)

// Bucket selects which budget a request draws from.
type Bucket uint8

const (
	BucketGeneral Bucket = iota
	BucketAuth
)

func (b Bucket) String() string {
	switch b {
	case BucketGeneral:
		return "general"
	case BucketAuth:
		return "auth"
	}
	return fmt.Sprintf("Bucket(%d)", uint8(b))
}

// ParseBucket parses "general" or "auth". The empty string means general.
func ParseBucket(s string) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "general":
		return BucketGeneral, nil
	case "auth":
		return BucketAuth, nil
	}
	return 0, fmt.Errorf("unknown bucket %q", s)
}
