// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldOrg       = "org"
	FieldChannel   = "channel"
	FieldChannelID = "channel_id"
	FieldEventID   = "event_id"
	FieldPodID     = "pod_id"

	// Process fields
	FieldComponent = "component"
	FieldSource    = "source"
	FieldMode      = "mode"
	FieldVersion   = "version"

	// Path / URL fields
	FieldPath    = "path"
	FieldOrigin  = "origin"
	FieldVariant = "variant"
)
