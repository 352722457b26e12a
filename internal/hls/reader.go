// SPDX-License-Identifier: MIT

package hls

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a playlist violates the HLS line grammar.
var ErrMalformed = errors.New("malformed manifest")

// Parse reads a media playlist. It tolerates CRLF line endings and trailing
// whitespace. Unknown tags are preserved verbatim and re-emitted in order.
func Parse(data []byte) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pl := &MediaPlaylist{}
	sawHeader := false

	var (
		cur        Segment
		curOpen    bool // block has accumulated tags
		infPending bool // #EXTINF seen, URI outstanding
	)

	flushToHeaderOrAux := func(line string) {
		if len(pl.Segments) == 0 && !curOpen {
			pl.HeaderTags = append(pl.HeaderTags, line)
			return
		}
		cur.Aux = append(cur.Aux, line)
		curOpen = true
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}

		if !sawHeader {
			if line != TagHeader {
				return nil, fmt.Errorf("%w: missing %s", ErrMalformed, TagHeader)
			}
			sawHeader = true
			continue
		}

		if !strings.HasPrefix(line, "#") {
			// URI line closes the current block.
			if !infPending {
				return nil, fmt.Errorf("%w: URI %q without preceding %s", ErrMalformed, line, TagInf)
			}
			cur.URI = line
			pl.Segments = append(pl.Segments, cur)
			cur = Segment{}
			curOpen = false
			infPending = false
			continue
		}

		name, value, _ := strings.Cut(line, ":")
		switch name {
		case TagVersion:
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad version %q", ErrMalformed, value)
			}
			pl.Version, pl.HasVersion = v, true
		case TagTargetDuration:
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad target duration %q", ErrMalformed, value)
			}
			pl.TargetDuration, pl.HasTargetDuration = v, true
		case TagMediaSequence:
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad media sequence %q", ErrMalformed, value)
			}
			pl.MediaSequence, pl.HasMediaSequence = v, true
		case TagDiscSequence:
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad discontinuity sequence %q", ErrMalformed, value)
			}
			pl.DiscSequence, pl.HasDiscSequence = v, true
		case TagPartInf:
			attrs := ParseAttributes(value)
			if pt := attrs["PART-TARGET"]; pt != "" {
				if v, err := strconv.ParseFloat(pt, 64); err == nil {
					pl.PartTargetDuration = v
				}
			}
		case TagEndlist:
			pl.Endlist = true
		case TagInf:
			if infPending {
				return nil, fmt.Errorf("%w: %s not followed by URI", ErrMalformed, TagInf)
			}
			durRaw, title, _ := strings.Cut(value, ",")
			dur, err := strconv.ParseFloat(strings.TrimSpace(durRaw), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad %s duration %q", ErrMalformed, TagInf, durRaw)
			}
			cur.Duration = dur
			cur.DurationRaw = value
			cur.Title = title
			curOpen = true
			infPending = true
		case TagProgramDateTime:
			t, err := parsePDT(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad PDT %q", ErrMalformed, value)
			}
			cur.PDT = t
			cur.PDTRaw = value
			cur.HasPDT = true
			curOpen = true
		case TagDiscontinuity:
			cur.Discontinuity = true
			curOpen = true
		default:
			flushToHeaderOrAux(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if infPending {
		return nil, fmt.Errorf("%w: %s not followed by URI", ErrMalformed, TagInf)
	}
	// Tags after the last URI belong to the playlist tail.
	if curOpen {
		if cur.Discontinuity {
			pl.TailTags = append(pl.TailTags, TagDiscontinuity)
		}
		pl.TailTags = append(pl.TailTags, cur.Aux...)
		if cur.HasPDT {
			pl.TailTags = append(pl.TailTags, TagProgramDateTime+":"+cur.PDTRaw)
		}
	}
	return pl, nil
}

func parsePDT(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
	}
	return t, err
}
