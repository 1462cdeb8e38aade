// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"fmt"
	"strconv"
	"strings"
)

// parseRangeHeader parses a GET Range header of the form
// "bytes=a-b", "bytes=a-" or "bytes=-n" (the last n bytes), against a
// resource of the given size. A nil result with a nil error means no
// usable range was present and the whole resource should be served.
func parseRangeHeader(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, nil
	}
	spec := strings.TrimPrefix(header, prefix)
	// Only the first range is honored; multi-range responses
	// (multipart/byteranges) are out of scope for this server.
	spec = strings.Split(spec, ",")[0]
	spec = strings.TrimSpace(spec)

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, RangeNotSatisfiable(fmt.Errorf("malformed range %q", header))
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, RangeNotSatisfiable(fmt.Errorf("malformed suffix range %q", header))
		}
		if n > size {
			n = size
		}
		if size == 0 {
			return nil, RangeNotSatisfiable(fmt.Errorf("range on empty resource"))
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, RangeNotSatisfiable(fmt.Errorf("malformed range start %q", header))
	}
	if start >= size {
		return nil, RangeNotSatisfiable(fmt.Errorf("range start %d beyond size %d", start, size))
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, RangeNotSatisfiable(fmt.Errorf("malformed range end %q", header))
		}
		if end >= size {
			end = size - 1
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}

// parseContentRangeHeader parses a PUT's Content-Range header of the
// form "bytes start-end/total" or "bytes start-end/*".
func parseContentRangeHeader(header string) (*WriteRange, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return nil, BadRequest(fmt.Errorf("malformed content-range %q", header))
	}
	rest := strings.TrimPrefix(header, prefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, BadRequest(fmt.Errorf("malformed content-range %q", header))
	}
	rangePart, totalPart := rest[:slash], rest[slash+1:]

	dash := strings.IndexByte(rangePart, '-')
	if dash < 0 {
		return nil, BadRequest(fmt.Errorf("malformed content-range %q", header))
	}
	start, err := strconv.ParseInt(rangePart[:dash], 10, 64)
	if err != nil || start < 0 {
		return nil, BadRequest(fmt.Errorf("malformed content-range start %q", header))
	}
	end, err := strconv.ParseInt(rangePart[dash+1:], 10, 64)
	if err != nil || end < start {
		return nil, BadRequest(fmt.Errorf("malformed content-range end %q", header))
	}

	var total int64
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total <= end {
			return nil, BadRequest(fmt.Errorf("malformed content-range total %q", header))
		}
	}
	return &WriteRange{Start: start, End: end, Total: total}, nil
}
