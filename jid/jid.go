// Copyright 2014 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package jid implements XMPP addresses ("Jabber IDs") as described in RFC
// 7622, to the extent the connector core needs them: splitting a string
// address into its parts and producing a canonical domainpart suitable for
// use as a TLS server name or a stream header's "to" attribute.
package jid // import "vellum.im/xmpp/jid"

import (
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/precis"
)

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. All parts are guaranteed to be valid UTF-8 and are stored in
// their canonical form, which gives comparison with another JID the
// greatest chance of succeeding. The zero value is not a valid JID; use
// Parse or FromParts to construct one.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// Parse constructs a new JID from its string representation.
func Parse(s string) (*JID, error) {
	localpart, domainpart, resourcepart, err := SplitString(s)
	if err != nil {
		return nil, err
	}
	return FromParts(localpart, domainpart, resourcepart)
}

// FromParts constructs a new JID from the given localpart, domainpart, and
// resourcepart, applying the normalization RFC 7622 §3.2 requires of the
// domainpart and the PRECIS profiles it requires of the localpart and
// resourcepart.
func FromParts(localpart, domainpart, resourcepart string) (*JID, error) {
	// Ensure that parts are valid UTF-8 (and short circuit the rest of the
	// process if they're not). We'll check the domainpart after performing
	// the IDNA ToUnicode operation.
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return nil, errors.New("jid: contains invalid UTF-8")
	}

	// RFC 7622 §3.2.1.  Preparation
	//
	//    An entity that prepares a string for inclusion in an XMPP domainpart
	//    slot MUST ensure that the string consists only of Unicode code points
	//    that are allowed in NR-LDH labels or U-labels as defined in
	//    [RFC5890]. This implies that the string MUST NOT include A-labels as
	//    defined in [RFC5890]; each A-label MUST be converted to a U-label
	//    during preparation of a string for inclusion in a domainpart slot.
	var err error
	domainpart, err = idna.ToUnicode(domainpart)
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(domainpart) {
		return nil, errors.New("jid: domainpart contains invalid UTF-8")
	}

	localpart, err = precis.UsernameCaseMapped.String(localpart)
	if err != nil {
		return nil, err
	}
	resourcepart, err = precis.OpaqueString.String(resourcepart)
	if err != nil {
		return nil, err
	}

	if err := commonChecks(localpart, domainpart, resourcepart); err != nil {
		return nil, err
	}

	return &JID{
		localpart:    localpart,
		domainpart:   domainpart,
		resourcepart: resourcepart,
	}, nil
}

// SplitString splits a string representation of a JID into its localpart,
// domainpart, and resourcepart. The parts are not validated or normalized;
// each part must be 1023 bytes or less once FromParts runs its checks.
func SplitString(s string) (localpart, domainpart, resourcepart string, err error) {
	// RFC 7622 §3.1.  Fundamentals:
	//
	//    Implementation Note: When dividing a JID into its component parts,
	//    an implementation needs to match the separator characters '@' and
	//    '/' before applying any transformation algorithms, which might
	//    decompose certain Unicode code points to the separator characters.
	parts := strings.SplitAfterN(s, "/", 2)

	if strings.HasSuffix(parts[0], "/") {
		if len(parts) == 2 && parts[1] != "" {
			resourcepart = parts[1]
		} else {
			err = errors.New("jid: the resourcepart must be larger than 0 bytes")
			return
		}
	}

	norp := strings.TrimSuffix(parts[0], "/")
	nolp := strings.SplitAfterN(norp, "@", 2)
	if nolp[0] == "@" {
		err = errors.New("jid: the localpart must be larger than 0 bytes")
		return
	}

	switch len(nolp) {
	case 1:
		domainpart = nolp[0]
	case 2:
		domainpart = nolp[1]
		localpart = strings.TrimSuffix(nolp[0], "@")
	}

	// Trailing dots on domainparts are ignored for routing and comparison
	// purposes and MUST be stripped before any other canonicalization step.
	domainpart = strings.TrimSuffix(domainpart, ".")
	return
}

func checkIP6String(domainpart string) error {
	if l := len(domainpart); l > 2 && strings.HasPrefix(domainpart, "[") &&
		strings.HasSuffix(domainpart, "]") {
		if ip := net.ParseIP(domainpart[1 : l-1]); ip == nil || ip.To4() != nil {
			return errors.New("jid: domainpart is not a valid IPv6 address")
		}
	}
	return nil
}

func commonChecks(localpart, domainpart, resourcepart string) error {
	if l := len(localpart); l > 1023 {
		return errors.New("jid: the localpart must be smaller than 1024 bytes")
	}
	// RFC 7622 §3.3.1 forbids these characters in the localpart even though
	// the PRECIS profile used above does not.
	if strings.ContainsAny(localpart, "\"&'/:<>@") {
		return errors.New("jid: localpart contains forbidden characters")
	}
	if l := len(resourcepart); l > 1023 {
		return errors.New("jid: the resourcepart must be smaller than 1024 bytes")
	}
	l := len(domainpart)
	if l < 1 || l > 1023 {
		return errors.New("jid: the domainpart must be between 1 and 1023 bytes")
	}
	return checkIP6String(domainpart)
}

// Localpart returns the localpart of a JID (e.g. "username").
func (j *JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart of a JID (e.g. "example.net"). This is
// the value the connector uses as a TLS server name and as a stream
// header's "to" attribute.
func (j *JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart of a JID (e.g. "someclient-abc123").
func (j *JID) Resourcepart() string { return j.resourcepart }

// Bare returns a copy of j with the resourcepart removed.
func (j *JID) Bare() *JID {
	return &JID{localpart: j.localpart, domainpart: j.domainpart}
}

// Equal performs a part-for-part comparison with another JID.
func (j *JID) Equal(j2 *JID) bool {
	return j2 != nil &&
		j.localpart == j2.localpart &&
		j.domainpart == j2.domainpart &&
		j.resourcepart == j2.resourcepart
}

// String converts a JID to its string representation.
func (j *JID) String() string {
	s := j.domainpart
	if j.localpart != "" {
		s = j.localpart + "@" + s
	}
	if j.resourcepart != "" {
		s = s + "/" + j.resourcepart
	}
	return s
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j *JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = *parsed
	return nil
}
