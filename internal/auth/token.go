// SPDX-License-Identifier: MIT

// Package auth guards the control plane. Viewer playlist requests are open;
// cue and admin calls carry a bearer token or a signed URL.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// ExtractToken retrieves the API token from the request, in priority order:
// Authorization bearer, X-API-Token header, then ?token= when enabled.
func ExtractToken(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	return ""
}

// AuthorizeToken compares got against expected in constant time. Empty
// tokens never authorize.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it.
func AuthorizeRequest(r *http.Request, expectedToken string, allowQuery bool) bool {
	if r == nil {
		return false
	}
	return AuthorizeToken(ExtractToken(r, allowQuery), expectedToken)
}

// SignPath produces the hex HMAC-SHA256 signature of a URL path, keyed by
// the channel's signing secret.
func SignPath(secret, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(path))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignedPath checks a ?sig= style signature against the request path.
func VerifySignedPath(secret, path, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	want := SignPath(secret, path)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}
