// SPDX-License-Identifier: MIT

// Package stitch holds the error taxonomy shared across the request path.
package stitch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure on the manifest-rewriting path. The viewer
// surface never leaks kinds directly; it maps them to 502/503/504.
type Kind string

const (
	KindOriginUnavailable Kind = "origin_unavailable"
	KindMalformedManifest Kind = "malformed_manifest"
	KindInvalidScte35     Kind = "invalid_scte35"
	KindPdtMissing        Kind = "pdt_missing"
	KindNoMatchingVariant Kind = "no_matching_variant"
	KindDecisionTimeout   Kind = "decision_timeout"
	KindStorageFailure    Kind = "storage_failure"
	KindLockTimeout       Kind = "lock_timeout"
)

// Error carries a structured code alongside a human message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error of the given kind.
func E(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// ViewerStatus maps an error to the HTTP status exposed to viewers.
// Internal codes stay internal; everything surfaces as a gateway error.
func ViewerStatus(err error) int {
	switch KindOf(err) {
	case KindOriginUnavailable, KindMalformedManifest:
		return http.StatusBadGateway
	case KindStorageFailure, KindLockTimeout:
		return http.StatusServiceUnavailable
	case KindDecisionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
