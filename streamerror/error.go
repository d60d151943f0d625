// Copyright 2015 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package streamerror defines the stream-level error conditions of RFC 6120
// §4.9.3: the <stream:error/> the connector sends when it gives up on a
// stream and must report why before closing the underlying connection.
package streamerror // import "vellum.im/xmpp/streamerror"

import (
	"encoding/xml"
	"io"
	"net"

	"mellium.im/xmlstream"
	"vellum.im/xmpp/ns"
)

// A list of stream errors defined in RFC 6120 §4.9.3.
var (
	// BadFormat is used when the entity has sent XML that cannot be processed.
	// This error can be used instead of the more specific XML-related errors,
	// such as <bad-namespace-prefix/>, <invalid-xml/>, <not-well-formed/>,
	// <restricted-xml/>, and <unsupported-encoding/>. However, the more specific
	// errors are RECOMMENDED.
	BadFormat = Error{Err: "bad-format"}

	// BadNamespacePrefix is sent when an entity has sent a namespace prefix
	// that is unsupported, or has sent no namespace prefix, on an element
	// that needs such a prefix.
	BadNamespacePrefix = Error{Err: "bad-namespace-prefix"}

	// Conflict is sent when the server either (1) is closing the existing
	// stream for this entity because a new stream has been initiated that
	// conflicts with the existing stream, or (2) is refusing a new stream for
	// this entity because allowing the new stream would conflict with an
	// existing stream.
	Conflict = Error{Err: "conflict"}

	// ConnectionTimeout results when one party is closing the stream because
	// it has reason to believe that the other party has permanently lost the
	// ability to communicate over the stream.
	ConnectionTimeout = Error{Err: "connection-timeout"}

	// HostGone is sent when the value of the 'to' attribute provided in the
	// initial stream header corresponds to an FQDN that is no longer
	// serviced by the receiving entity.
	HostGone = Error{Err: "host-gone"}

	// HostUnknown is sent when the value of the 'to' attribute provided in
	// the initial stream header does not correspond to an FQDN that is
	// serviced by the receiving entity.
	HostUnknown = Error{Err: "host-unknown"}

	// ImproperAddressing is used when a stanza sent between two servers
	// lacks a 'to' or 'from' attribute, the attribute has no value, or the
	// value violates the rules for XMPP addresses.
	ImproperAddressing = Error{Err: "improper-addressing"}

	// InternalServerError is sent when the server has experienced a
	// misconfiguration or other internal error that prevents it from
	// servicing the stream.
	InternalServerError = Error{Err: "internal-server-error"}

	// InvalidFrom is sent when data provided in a 'from' attribute does not
	// match an authorized JID or validated domain.
	InvalidFrom = Error{Err: "invalid-from"}

	// InvalidNamespace may be sent when the stream namespace name is
	// something other than "http://etherx.jabber.org/streams" or the
	// content namespace is not supported.
	InvalidNamespace = Error{Err: "invalid-namespace"}

	// InvalidXML may be sent when the entity has sent invalid XML over the
	// stream to a server that performs validation.
	InvalidXML = Error{Err: "invalid-xml"}

	// NotAuthorized may be sent when the entity has attempted to send XML
	// stanzas or other outbound data before the stream has been
	// authenticated, or otherwise is not authorized to perform an action
	// related to stream negotiation.
	NotAuthorized = Error{Err: "not-authorized"}

	// NotWellFormed may be sent when the initiating entity has sent XML that
	// violates the well-formedness rules of XML or XML namespaces.
	NotWellFormed = Error{Err: "not-well-formed"}

	// PolicyViolation may be sent when an entity has violated some local
	// service policy.
	PolicyViolation = Error{Err: "policy-violation"}

	// RemoteConnectionFailed may be sent when the server is unable to
	// properly connect to a remote entity that is needed for authentication
	// or authorization.
	RemoteConnectionFailed = Error{Err: "remote-connection-failed"}

	// Reset is sent when the server is closing the stream because it has
	// new features to offer or because security-critical material has
	// changed during the life of the stream.
	Reset = Error{Err: "reset"}

	// ResourceConstraint may be sent when the server lacks the system
	// resources necessary to service the stream.
	ResourceConstraint = Error{Err: "resource-constraint"}

	// RestrictedXML may be sent when the entity has attempted to send
	// restricted XML features such as a comment, processing instruction,
	// DTD subset, or XML entity reference.
	RestrictedXML = Error{Err: "restricted-xml"}

	// SystemShutdown may be sent when the server is being shut down and all
	// active streams are being closed.
	SystemShutdown = Error{Err: "system-shutdown"}

	// UndefinedCondition may be sent when the error condition is not one of
	// those defined by the other conditions in this list.
	UndefinedCondition = Error{Err: "undefined-condition"}

	// UnsupportedEncoding may be sent when the initiating entity has encoded
	// the stream in an encoding that is not UTF-8.
	UnsupportedEncoding = Error{Err: "unsupported-encoding"}

	// UnsupportedFeature may be sent when the receiving entity has
	// advertised a mandatory-to-negotiate stream feature that the
	// initiating entity does not support.
	UnsupportedFeature = Error{Err: "unsupported-feature"}

	// UnsupportedStanzaType may be sent when the initiating entity has sent
	// a first-level child of the stream that is not supported by the
	// server. When a server answers <starttls/> with this stream error and
	// TLS is required, the connector reports TLSUnavailable.
	UnsupportedStanzaType = Error{Err: "unsupported-stanza-type"}

	// UnsupportedVersion may be sent when the 'version' attribute provided
	// by the initiating entity in the stream header specifies a version of
	// XMPP that is not supported by the server.
	UnsupportedVersion = Error{Err: "unsupported-version"}
)

// SeeOtherHostError returns a new see-other-host error with the given
// network address as the host. If the address is an IPv6 literal it is
// wrapped in brackets ("[::1]").
func SeeOtherHostError(addr net.Addr, payload xmlstream.TokenReader) Error {
	var cdata string
	if ip := net.ParseIP(addr.String()); ip != nil && ip.To4() == nil && ip.To16() != nil {
		cdata = "[" + addr.String() + "]"
	} else {
		cdata = addr.String()
	}

	host := xmlstream.ReaderFunc(func() (xml.Token, error) {
		return xml.CharData(cdata), io.EOF
	})
	if payload != nil {
		host = xmlstream.MultiReader(host, payload)
	}
	return Error{Err: "see-other-host", innerXML: host}
}

// Error represents an unrecoverable stream-level error that may carry
// character data or arbitrary inner XML describing the condition further.
type Error struct {
	Err string

	innerXML xmlstream.TokenReader
}

// Error satisfies the builtin error interface and returns the name of the
// condition, e.g. "restricted-xml".
func (s Error) Error() string {
	return s.Err
}

// UnmarshalXML satisfies xml.Unmarshaler.
func (s *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	se := struct {
		XMLName xml.Name
		Err     struct {
			XMLName  xml.Name
			InnerXML []byte `xml:",innerxml"`
		} `xml:",any"`
	}{}
	if err := d.DecodeElement(&se, &start); err != nil {
		return err
	}
	s.Err = se.Err.XMLName.Local
	return nil
}

// MarshalXML satisfies xml.Marshaler.
func (s Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	return s.WriteXML(e, xml.StartElement{})
}

// WriteXML satisfies the xmlstream.Marshaler interface; it is like
// MarshalXML except it writes tokens directly to w.
func (s Error) WriteXML(w xmlstream.TokenWriter, _ xml.StartElement) error {
	if _, err := xmlstream.Copy(w, s.TokenReader(nil)); err != nil {
		return err
	}
	return w.Flush()
}

// TokenReader returns an xmlstream.TokenReader that encodes the error,
// optionally followed by an application-specific payload.
func (s Error) TokenReader(payload xmlstream.TokenReader) xmlstream.TokenReader {
	inner := xmlstream.Wrap(s.innerXML, xml.StartElement{Name: xml.Name{Local: s.Err, Space: ns.Streams}})
	if payload != nil {
		inner = xmlstream.MultiReader(inner, payload)
	}
	return xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Local: "error", Space: ns.Stream}})
}
