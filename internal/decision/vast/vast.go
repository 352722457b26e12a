// SPDX-License-Identifier: MIT

// Package vast implements the subset of IAB VAST the decision engine
// consumes: inline linear creatives with media files, behind any number of
// wrapper redirects.
package vast

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Document is the root <VAST> element.
type Document struct {
	XMLName xml.Name `xml:"VAST"`
	Version string   `xml:"version,attr"`
	Ads     []Ad     `xml:"Ad"`
}

// Ad contains a single <InLine> or <Wrapper> element (never both).
type Ad struct {
	ID      string   `xml:"id,attr"`
	InLine  *InLine  `xml:"InLine"`
	Wrapper *Wrapper `xml:"Wrapper"`
}

// InLine holds the actual ad definition.
type InLine struct {
	AdTitle   string     `xml:"AdTitle"`
	Creatives []Creative `xml:"Creatives>Creative"`
}

// Wrapper points at the next ad server in the chain.
type Wrapper struct {
	VASTAdTagURI string `xml:"VASTAdTagURI"`
}

// Creative wraps a linear ad.
type Creative struct {
	ID     string  `xml:"id,attr"`
	Linear *Linear `xml:"Linear"`
}

// Linear is a video creative with a duration and media files.
type Linear struct {
	Duration   string      `xml:"Duration"`
	MediaFiles []MediaFile `xml:"MediaFiles>MediaFile"`
}

// MediaFile is one rendition of a creative.
type MediaFile struct {
	Bitrate  int    `xml:"bitrate,attr"`
	Type     string `xml:"type,attr"`
	Delivery string `xml:"delivery,attr"`
	URI      string `xml:",chardata"`
}

// URL returns the trimmed media file location.
func (m MediaFile) URL() string {
	return strings.TrimSpace(m.URI)
}

// ParseDuration reads the VAST HH:MM:SS[.mmm] clock format into seconds.
func ParseDuration(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad VAST duration %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("bad VAST duration %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("bad VAST duration %q", s)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("bad VAST duration %q", s)
	}
	return float64(h)*3600 + float64(m)*60 + sec, nil
}

// Parse decodes a VAST XML document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse VAST: %w", err)
	}
	return &doc, nil
}
