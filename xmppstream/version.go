// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppstream

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVersion is the only stream version this connector negotiates.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Version is the 'version' attribute of a stream header, eg. "1.0".
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a string of the form "Major.Minor" into a Version.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return v, fmt.Errorf("xmppstream: version %q must have a single separator", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return v, err
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return v, err
	}
	v.Major, v.Minor = uint8(major), uint8(minor)
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error. It exists for
// tests and package-level variable initialization.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the "Major.Minor" representation of v.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v is a strictly lower version than v2.
func (v Version) Less(v2 Version) bool {
	if v.Major != v2.Major {
		return v.Major < v2.Major
	}
	return v.Minor < v2.Minor
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (v Version) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: v.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
