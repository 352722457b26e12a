// SPDX-License-Identifier: MIT

package hls

import (
	"strings"
	"time"
)

// PayloadEncoding says how a SCTE-35 section is carried in the playlist.
type PayloadEncoding int

const (
	PayloadBase64 PayloadEncoding = iota // #EXT-OATCLS-SCTE35:<base64>
	PayloadHex                           // #EXT-X-DATERANGE SCTE35-OUT/IN=<hex>
)

// SCTEPayload is a raw SCTE-35 section found in a playlist, with the PDT of
// the segment it was attached to when one was present.
type SCTEPayload struct {
	Encoding PayloadEncoding
	Value    string
	PDT      time.Time
	HasPDT   bool
}

// SCTE35Payloads collects every SCTE-35 carriage in the playlist, in order.
// Both #EXT-OATCLS-SCTE35 and DATERANGE SCTE35-OUT/SCTE35-IN attributes are
// returned; decoding is left to the caller.
func (p *MediaPlaylist) SCTE35Payloads() []SCTEPayload {
	var out []SCTEPayload
	collect := func(line string, pdt time.Time, hasPDT bool) {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return
		}
		switch name {
		case TagOatclsScte35:
			out = append(out, SCTEPayload{Encoding: PayloadBase64, Value: strings.TrimSpace(value), PDT: pdt, HasPDT: hasPDT})
		case TagDateRange:
			attrs := ParseAttributes(value)
			for _, key := range []string{"SCTE35-OUT", "SCTE35-IN"} {
				if v := attrs[key]; v != "" {
					out = append(out, SCTEPayload{Encoding: PayloadHex, Value: strings.TrimPrefix(v, "0x"), PDT: pdt, HasPDT: hasPDT})
				}
			}
		}
	}
	for _, line := range p.HeaderTags {
		collect(line, time.Time{}, false)
	}
	for i := range p.Segments {
		seg := &p.Segments[i]
		for _, line := range seg.Aux {
			collect(line, seg.PDT, seg.HasPDT)
		}
	}
	for _, line := range p.TailTags {
		collect(line, time.Time{}, false)
	}
	return out
}
