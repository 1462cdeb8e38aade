// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// Wire structs for the "DAV:" namespace, following the teacher's
// webdav/webdav.go convention of tagging fields with the bare
// "DAV: localname" namespace+name pair rather than a manual prefix;
// encoding/xml emits this as a default xmlns="DAV:" declaration repeated
// on every such element, which RFC 4918 clients accept equally to a
// declared "d:" prefix.

type xmlPropfind struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	Allprop  *struct{} `xml:"DAV: allprop"`
	Propname *struct{} `xml:"DAV: propname"`
	Prop     *xmlProp  `xml:"DAV: prop"`
}

// xmlProp is a catch-all dead/live property container: Any captures
// every child element regardless of whether this package knows the
// property name, so PROPFIND can request arbitrary properties and
// PROPPATCH can set arbitrary dead properties.
type xmlProp struct {
	XMLName xml.Name  `xml:"DAV: prop"`
	Any     []xmlAny  `xml:",any"`
}

type xmlAny struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
	Inner   string `xml:",innerxml"`
}

// PropfindRequest is the parsed form of a PROPFIND body.
type PropfindRequest struct {
	AllProp  bool
	PropName bool
	Props    []xml.Name
}

// ParsePropfind decodes a PROPFIND request body. An empty body (clients
// are permitted to omit one, meaning allprop) is treated as AllProp.
func ParsePropfind(r io.Reader) (PropfindRequest, error) {
	var pf xmlPropfind
	if err := xml.NewDecoder(r).Decode(&pf); err != nil {
		if err == io.EOF {
			return PropfindRequest{AllProp: true}, nil
		}
		return PropfindRequest{}, BadRequest(err)
	}
	req := PropfindRequest{
		AllProp:  pf.Allprop != nil,
		PropName: pf.Propname != nil,
	}
	if pf.Prop != nil {
		for _, a := range pf.Prop.Any {
			req.Props = append(req.Props, a.XMLName)
		}
	}
	if !req.AllProp && !req.PropName && len(req.Props) == 0 {
		req.AllProp = true
	}
	return req, nil
}

// PropertyUpdate is the parsed form of a PROPPATCH body: an ordered
// sequence of set/remove operations, since RFC 4918 requires updates to
// be applied in document order and a later directive overrides an
// earlier one for the same property.
type PropertyUpdate struct {
	Ops []PropOp
}

type PropOp struct {
	Remove bool
	Name   xml.Name
	Value  string
}

// ParsePropertyUpdate decodes a PROPPATCH request body by walking XML
// tokens manually, in the manner of google-go-webdav's
// xml.ParsePropPatch, so that the relative order of <set> and <remove>
// blocks is preserved rather than collapsed into two unordered maps.
func ParsePropertyUpdate(r io.Reader) (PropertyUpdate, error) {
	dec := xml.NewDecoder(r)
	var update PropertyUpdate

	if _, err := findStart(dec, "propertyupdate", ""); err != nil {
		return update, BadRequest(err)
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			return update, BadRequest(err)
		}
		if ee, ok := tok.(xml.EndElement); ok {
			if ee.Name.Local == "propertyupdate" {
				return update, nil
			}
			continue
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "set" && se.Name.Local != "remove" {
			if err := dec.Skip(); err != nil {
				return update, BadRequest(err)
			}
			continue
		}
		remove := se.Name.Local == "remove"

		propStart, err := findStart(dec, "prop", se.Name.Local)
		if err != nil {
			return update, BadRequest(err)
		}
		if propStart == nil {
			continue
		}
		var p xmlProp
		if err := dec.DecodeElement(&p, propStart); err != nil {
			return update, BadRequest(err)
		}
		for _, a := range p.Any {
			update.Ops = append(update.Ops, PropOp{Remove: remove, Name: a.XMLName, Value: a.Value})
		}
	}
}

// findStart consumes tokens until a start element named "name" is
// found, an end element named "halt" closes the enclosing scope
// (returning a nil element, nil error), or the stream ends.
func findStart(d *xml.Decoder, name, halt string) (*xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local == name {
				return &se, nil
			}
			if err := d.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		if ee, ok := tok.(xml.EndElement); ok && ee.Name.Local == halt {
			return nil, nil
		}
	}
}

// LockInfoRequest is the parsed form of a LOCK request body. A missing
// body (io.EOF) signals a lock refresh rather than a new lock.
type LockInfoRequest struct {
	Refresh bool
	Owner   string
	Scope   LockScope
}

type xmlLockinfo struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"DAV: lockscope>exclusive"`
	Shared    *struct{} `xml:"DAV: lockscope>shared"`
	Write     *struct{} `xml:"DAV: locktype>write"`
	Owner     xmlOwner  `xml:"DAV: owner"`
}

type xmlOwner struct {
	Inner string `xml:",innerxml"`
}

// ParseLockInfo decodes a LOCK request body.
func ParseLockInfo(r io.Reader) (LockInfoRequest, error) {
	var li xmlLockinfo
	err := xml.NewDecoder(r).Decode(&li)
	if err == io.EOF {
		return LockInfoRequest{Refresh: true}, nil
	}
	if err != nil {
		return LockInfoRequest{}, BadRequest(err)
	}
	if li.Exclusive == nil && li.Shared == nil {
		return LockInfoRequest{}, BadRequest(errors.New("lockinfo must request an exclusive or shared lock"))
	}
	if li.Exclusive != nil && li.Shared != nil {
		return LockInfoRequest{}, BadRequest(errors.New("lockinfo must not request both lock scopes"))
	}
	if li.Write == nil {
		return LockInfoRequest{}, BadRequest(errors.New("lockinfo must request a write lock"))
	}
	scope := ScopeExclusive
	if li.Shared != nil {
		scope = ScopeShared
	}
	return LockInfoRequest{Owner: li.Owner.Inner, Scope: scope}, nil
}

// Multistatus wire structs (component B, spec sections 4.1 and 6).

type xmlMultistatus struct {
	XMLName   xml.Name       `xml:"DAV: multistatus"`
	Responses []xmlResponse  `xml:"DAV: response"`
}

type xmlResponse struct {
	XMLName   xml.Name       `xml:"DAV: response"`
	Href      string         `xml:"DAV: href"`
	Status    string         `xml:"DAV: status,omitempty"`
	Propstats []xmlPropstat  `xml:"DAV: propstat,omitempty"`
}

type xmlPropstat struct {
	XMLName xml.Name `xml:"DAV: propstat"`
	Prop    xmlProp  `xml:"DAV: prop"`
	Status  string   `xml:"DAV: status"`
}

// MultiStatusBuilder accumulates per-resource responses for a PROPFIND
// or a PROPPATCH, then serializes them as a single 207 Multi-Status
// body.
type MultiStatusBuilder struct {
	ms xmlMultistatus
}

func NewMultiStatusBuilder() *MultiStatusBuilder {
	return &MultiStatusBuilder{}
}

// AddStatus records a single-status response (used by PROPFIND for a
// resource whose properties could not be read, where the href gets one
// HTTP status and no props).
func (b *MultiStatusBuilder) AddStatus(href string, status int) {
	b.ms.Responses = append(b.ms.Responses, xmlResponse{
		Href:   encodeHref(href),
		Status: statusLine(status),
	})
}

// PropResult is one property's outcome within a PROPFIND response for a
// single resource: either a value (Status 200) or a failure status.
type PropResult struct {
	Name   xml.Name
	Value  string
	Raw    bool // Value already contains marshaled inner XML, e.g. resourcetype
	Status int
}

// AddPropResponse records a PROPFIND response for one resource, grouping
// its properties by HTTP status as RFC 4918 requires (one propstat per
// distinct status, e.g. 200 for found properties and 404 for missing
// ones).
func (b *MultiStatusBuilder) AddPropResponse(href string, results []PropResult) {
	byStatus := make(map[int][]xmlAny)
	order := make([]int, 0, 2)
	for _, r := range results {
		if _, seen := byStatus[r.Status]; !seen {
			order = append(order, r.Status)
		}
		a := xmlAny{XMLName: r.Name}
		if r.Raw {
			a.Inner = r.Value
		} else {
			a.Value = r.Value
		}
		byStatus[r.Status] = append(byStatus[r.Status], a)
	}
	resp := xmlResponse{Href: encodeHref(href)}
	for _, status := range order {
		resp.Propstats = append(resp.Propstats, xmlPropstat{
			Prop:   xmlProp{Any: byStatus[status]},
			Status: statusLine(status),
		})
	}
	b.ms.Responses = append(b.ms.Responses, resp)
}

// Bytes serializes the accumulated responses as an XML document,
// prefixed with the standard XML declaration.
func (b *MultiStatusBuilder) Bytes() ([]byte, error) {
	out, err := xml.Marshal(&b.ms)
	if err != nil {
		return nil, Internal(err)
	}
	return append([]byte(xml.Header), out...), nil
}

func statusLine(code int) string {
	text := http.StatusText(code)
	if text == "" && code == StatusLocked {
		text = "Locked"
	}
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + text
}

// Lock-discovery rendering (DAV:lockdiscovery, DAV:supportedlock): these
// mirror the teacher's ActiveLock/LockEntry/LockScope/LockType structs
// in webdav/webdav.go, generalized to accept a *Lock from this package's
// lock manager instead of the teacher's own lock representation.

type xmlActiveLock struct {
	XMLName   xml.Name      `xml:"DAV: activelock"`
	LockType  xmlLockType   `xml:"DAV: locktype"`
	LockScope xmlLockScope  `xml:"DAV: lockscope"`
	Depth     string        `xml:"DAV: depth"`
	Owner     xmlOwner      `xml:"DAV: owner,omitempty"`
	Timeout   string        `xml:"DAV: timeout"`
	LockToken xmlLockToken  `xml:"DAV: locktoken"`
	LockRoot  xmlLockRoot   `xml:"DAV: lockroot"`
}

type xmlLockType struct {
	Write *struct{} `xml:"DAV: write"`
}

type xmlLockScope struct {
	Exclusive *struct{} `xml:"DAV: exclusive,omitempty"`
	Shared    *struct{} `xml:"DAV: shared,omitempty"`
}

type xmlLockToken struct {
	Href string `xml:"DAV: href"`
}

type xmlLockRoot struct {
	Href string `xml:"DAV: href"`
}

type xmlSupportedLock struct {
	XMLName   xml.Name        `xml:"DAV: supportedlock"`
	LockEntry []xmlLockEntry  `xml:"DAV: lockentry"`
}

type xmlLockEntry struct {
	LockScope xmlLockScope `xml:"DAV: lockscope"`
	LockType  xmlLockType  `xml:"DAV: locktype"`
}

// SupportedLockXML returns the fixed DAV:supportedlock value this
// package advertises: exclusive and shared write locks (spec section
// 4.1, live property supportedlock).
func SupportedLockXML() (string, error) {
	sl := xmlSupportedLock{LockEntry: []xmlLockEntry{
		{
			LockScope: xmlLockScope{Exclusive: &struct{}{}},
			LockType:  xmlLockType{Write: &struct{}{}},
		},
		{
			LockScope: xmlLockScope{Shared: &struct{}{}},
			LockType:  xmlLockType{Write: &struct{}{}},
		},
	}}
	b, err := xml.Marshal(sl)
	if err != nil {
		return "", Internal(err)
	}
	return string(b), nil
}

func depthString(d LockDepth) string {
	if d == DepthInfinity {
		return "infinity"
	}
	return strconv.Itoa(int(d))
}

func activeLockXML(l *Lock) xmlActiveLock {
	scope := xmlLockScope{Exclusive: &struct{}{}}
	if l.Scope == ScopeShared {
		scope = xmlLockScope{Shared: &struct{}{}}
	}
	return xmlActiveLock{
		LockType:  xmlLockType{Write: &struct{}{}},
		LockScope: scope,
		Depth:     depthString(l.Depth),
		Owner:     xmlOwner{Inner: l.Owner},
		Timeout:   "Second-" + strconv.FormatInt(l.TimeoutSeconds(), 10),
		LockToken: xmlLockToken{Href: l.Token},
		LockRoot:  xmlLockRoot{Href: encodeHref(l.Path)},
	}
}

type xmlLockDiscovery struct {
	XMLName    xml.Name        `xml:"DAV: lockdiscovery"`
	ActiveLock []xmlActiveLock `xml:"DAV: activelock"`
}

// LockDiscoveryXML renders a single active lock as an inner
// DAV:lockdiscovery value, used by LOCK's response body (which always
// describes exactly the one lock just created or refreshed).
func LockDiscoveryXML(l *Lock) (string, error) {
	b, err := xml.Marshal(xmlLockDiscovery{ActiveLock: []xmlActiveLock{activeLockXML(l)}})
	if err != nil {
		return "", Internal(err)
	}
	return string(b), nil
}

// LockDiscoveryListXML renders every lock covering a resource as one
// DAV:lockdiscovery value, used by PROPFIND: RFC 4918 allows several
// shared locks to cover the same resource simultaneously, and all of
// them must be listed.
func LockDiscoveryListXML(locks []*Lock) (string, error) {
	entries := make([]xmlActiveLock, 0, len(locks))
	for _, l := range locks {
		entries = append(entries, activeLockXML(l))
	}
	b, err := xml.Marshal(xmlLockDiscovery{ActiveLock: entries})
	if err != nil {
		return "", Internal(err)
	}
	return string(b), nil
}

// ResourceTypeXML renders DAV:resourcetype for a collection or a plain
// file (an empty element, per RFC 4918).
func ResourceTypeXML(kind ResourceKind) (string, error) {
	type resourceType struct {
		XMLName    xml.Name  `xml:"DAV: resourcetype"`
		Collection *struct{} `xml:"DAV: collection,omitempty"`
	}
	rt := resourceType{}
	if kind == ResourceCollection {
		rt.Collection = &struct{}{}
	}
	b, err := xml.Marshal(rt)
	if err != nil {
		return "", Internal(err)
	}
	return string(b), nil
}
