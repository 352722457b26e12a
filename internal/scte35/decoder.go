// SPDX-License-Identifier: MIT

// Package scte35 decodes SCTE-35 splice sections found in origin manifests.
//
// Both playlist carriages end up here: #EXT-OATCLS-SCTE35 carries base64,
// #EXT-X-DATERANGE SCTE35-OUT/IN carry hex. The binary section parsing is
// delegated to Comcast's gots.
package scte35

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Comcast/gots/v2/scte35"
)

var (
	// ErrInvalid marks a payload the section parser rejected. The cue is
	// dropped and the stream continues.
	ErrInvalid = errors.New("invalid scte35 payload")
	// ErrUnsupportedCommand marks a recognised but ignored splice command.
	ErrUnsupportedCommand = errors.New("unsupported splice command")
)

// CommandType is the subset of splice commands the gateway acts on.
type CommandType string

const (
	CommandSpliceInsert CommandType = "splice_insert"
	CommandTimeSignal   CommandType = "time_signal"
)

// Cue is a decoded splice event. PDT is attached by the caller from the
// manifest carriage; the binary section itself only carries PTS.
type Cue struct {
	EventID      uint32      `json:"event_id"`
	Command      CommandType `json:"command_type"`
	PDT          time.Time   `json:"pdt,omitzero"`
	HasPDT       bool        `json:"has_pdt"`
	Duration     float64     `json:"duration_s,omitempty"`
	HasDuration  bool        `json:"has_duration"`
	Tier         uint16      `json:"tier"`
	OutOfNetwork bool        `json:"out_of_network_indicator"`
	Cancel       bool        `json:"cancel_indicator"`
	PTS90k       uint64      `json:"pts_90k"`
}

// Decode parses a binary splice_info_section. The decoder is pure: it only
// handles splice_insert and time_signal, reporting everything else as
// ErrUnsupportedCommand.
//
// Manifest carriages deliver the bare section starting at the 0xFC table id,
// while gots expects PSI framing, so a zero pointer_field is prepended.
func Decode(data []byte) (*Cue, error) {
	sig, err := scte35.NewSCTE35(append([]byte{0x00}, data...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cue := &Cue{Tier: sig.Tier()}
	// The command carries the raw splice_time; sig.PTS() would fold in the
	// encoder's pts_adjustment.
	if info := sig.CommandInfo(); info != nil && info.HasPTS() {
		cue.PTS90k = uint64(info.PTS())
	}

	switch sig.Command() {
	case scte35.SpliceInsert:
		cue.Command = CommandSpliceInsert
		cmd, ok := sig.CommandInfo().(scte35.SpliceInsertCommand)
		if !ok {
			return nil, fmt.Errorf("%w: splice_insert without command info", ErrInvalid)
		}
		cue.EventID = cmd.EventID()
		cue.Cancel = cmd.IsEventCanceled()
		cue.OutOfNetwork = cmd.IsOut()
		if cmd.HasDuration() {
			cue.HasDuration = true
			cue.Duration = float64(cmd.Duration()) / 90000.0
		}
	case scte35.TimeSignal:
		cue.Command = CommandTimeSignal
		// Event semantics for time_signal live in the segmentation
		// descriptors. The first one drives the cue.
		descs := sig.Descriptors()
		if len(descs) == 0 {
			return nil, fmt.Errorf("%w: time_signal without segmentation descriptor", ErrInvalid)
		}
		d := descs[0]
		cue.EventID = d.EventID()
		cue.Cancel = d.IsEventCanceled()
		cue.OutOfNetwork = d.IsOut()
		if d.HasDuration() {
			cue.HasDuration = true
			cue.Duration = float64(d.Duration()) / 90000.0
		}
	default:
		return nil, fmt.Errorf("%w: command 0x%02x", ErrUnsupportedCommand, uint16(sig.Command()))
	}
	return cue, nil
}

// DecodeBase64 decodes the #EXT-OATCLS-SCTE35 carriage.
func DecodeBase64(payload string) (*Cue, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalid, err)
	}
	return Decode(data)
}

// DecodeHex decodes the DATERANGE SCTE35-OUT/SCTE35-IN carriage. A leading
// 0x prefix is accepted.
func DecodeHex(payload string) (*Cue, error) {
	if len(payload) > 1 && (payload[0:2] == "0x" || payload[0:2] == "0X") {
		payload = payload[2:]
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: hex: %v", ErrInvalid, err)
	}
	return Decode(data)
}
