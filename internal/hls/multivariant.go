// SPDX-License-Identifier: MIT

package hls

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

const tagStreamInf = "#EXT-X-STREAM-INF"

// RewriteMultivariant rewrites the variant URI lines of a multivariant
// playlist through the supplied function, leaving every other line verbatim.
// The attributes of the preceding #EXT-X-STREAM-INF (BANDWIDTH et al) are
// passed along so the rewrite can derive the variant bitrate.
func RewriteMultivariant(data []byte, rewrite func(uri string, attrs map[string]string) string) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out bytes.Buffer
	sawHeader := false
	var pending map[string]string

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if !sawHeader {
			if strings.TrimSpace(line) != TagHeader {
				return nil, fmt.Errorf("%w: missing %s", ErrMalformed, TagHeader)
			}
			sawHeader = true
			out.WriteString(TagHeader)
			out.WriteByte('\n')
			continue
		}
		switch {
		case strings.HasPrefix(line, tagStreamInf+":"):
			pending = ParseAttributes(line[len(tagStreamInf)+1:])
			out.WriteString(line)
			out.WriteByte('\n')
		case line != "" && !strings.HasPrefix(line, "#"):
			if pending == nil {
				return nil, fmt.Errorf("%w: URI %q without preceding %s", ErrMalformed, line, tagStreamInf)
			}
			out.WriteString(rewrite(line, pending))
			out.WriteByte('\n')
			pending = nil
		default:
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out.Bytes(), nil
}
