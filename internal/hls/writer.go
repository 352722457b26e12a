// SPDX-License-Identifier: MIT

package hls

import (
	"bytes"
	"strconv"
)

// Encode renders the playlist. Emission is stable: encoding an unchanged
// parse yields identical bytes, and parse(Encode(p)) is structurally equal
// to p.
func (p *MediaPlaylist) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(TagHeader)
	b.WriteByte('\n')
	if p.HasVersion {
		b.WriteString(TagVersion + ":" + strconv.Itoa(p.Version) + "\n")
	}
	if p.HasTargetDuration {
		b.WriteString(TagTargetDuration + ":" + strconv.Itoa(p.TargetDuration) + "\n")
	}
	if p.HasMediaSequence {
		b.WriteString(TagMediaSequence + ":" + strconv.FormatInt(p.MediaSequence, 10) + "\n")
	}
	if p.HasDiscSequence {
		b.WriteString(TagDiscSequence + ":" + strconv.FormatInt(p.DiscSequence, 10) + "\n")
	}
	if p.PartTargetDuration > 0 {
		b.WriteString(TagPartInf + ":PART-TARGET=" + strconv.FormatFloat(p.PartTargetDuration, 'f', -1, 64) + "\n")
	}
	for _, t := range p.HeaderTags {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	for i := range p.Segments {
		p.Segments[i].encode(&b)
	}
	for _, t := range p.TailTags {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	if p.Endlist {
		b.WriteString(TagEndlist)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (s *Segment) encode(b *bytes.Buffer) {
	if s.Discontinuity {
		b.WriteString(TagDiscontinuity)
		b.WriteByte('\n')
	}
	if s.HasPDT {
		raw := s.PDTRaw
		if raw == "" {
			raw = FormatPDT(s.PDT)
		}
		b.WriteString(TagProgramDateTime + ":" + raw + "\n")
	}
	for _, t := range s.Aux {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	inf := s.DurationRaw
	if inf == "" {
		inf = FormatDuration(s.Duration) + "," + s.Title
	}
	b.WriteString(TagInf + ":" + inf + "\n")
	b.WriteString(s.URI)
	b.WriteByte('\n')
}
