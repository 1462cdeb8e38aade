// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
)

// renderListing builds a minimal HTML index for a GET on a collection,
// so the server remains browsable from a plain web browser in addition
// to WebDAV clients (spec section 4.1, GET). Entries are sorted by
// name; collections are suffixed with a trailing slash.
func renderListing(ctx context.Context, fs FileSystem, path string) ([]byte, error) {
	members, err := fs.Members(ctx, path)
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(path))
	b.WriteString("</title></head><body>\n<h1>")
	b.WriteString(html.EscapeString(path))
	b.WriteString("</h1>\n<ul>\n")
	if path != "/" {
		b.WriteString(fmt.Sprintf("<li><a href=\"%s\">..</a></li>\n", html.EscapeString(encodeHref(parentOf(path)))))
	}
	for _, m := range members {
		kind, err := fs.TypeOf(ctx, m)
		if err != nil {
			return nil, err
		}
		name := baseOf(m)
		href := encodeHref(m)
		if kind == ResourceCollection {
			name += "/"
			href += "/"
		}
		b.WriteString(fmt.Sprintf("<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(name)))
	}
	b.WriteString("</ul>\n</body></html>\n")
	return []byte(b.String()), nil
}
