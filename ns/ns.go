// Package ns holds the XML namespace constants the connector core and its
// supporting packages need to recognize or emit elements by qualified name.
package ns

// Namespaces used while negotiating and framing an XMPP stream.
const (
	// Client is the content namespace for client-to-server streams.
	Client = "jabber:client"

	// Server is the content namespace for server-to-server streams.
	Server = "jabber:server"

	// Stream is the namespace of the stream:stream wrapper element and its
	// stream:features and stream:error children.
	Stream = "http://etherx.jabber.org/streams"

	// Streams is the namespace stream-level error conditions are qualified
	// with, e.g. urn:ietf:params:xml:ns:xmpp-streams unsupported-stanza-type.
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"

	// StartTLS is the namespace of the starttls/proceed/failure elements
	// exchanged during STARTTLS negotiation.
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"

	// SASL is the namespace SASL mechanism negotiation uses. The connector
	// never negotiates SASL itself; stream-feature parsing records the
	// mechanisms element like any other advertised feature.
	SASL = "urn:ietf:params:xml:ns:xmpp-sasl"

	// Bind is the namespace of the resource-binding feature. Like SASL, the
	// connector does not negotiate it; it is only recorded as a feature.
	Bind = "urn:ietf:params:xml:ns:xmpp-bind"

	// XML is the namespace of the reserved xml: attribute prefix (xml:lang).
	XML = "http://www.w3.org/XML/1998/namespace"

	// WS is the content namespace used when an XMPP stream is framed inside
	// the WebSocket subprotocol defined by RFC 7395.
	WS = "urn:ietf:params:xml:ns:xmpp-framing"

	// Framing is an alias for WS kept for readers more familiar with the RFC
	// 7395 term "framing namespace".
	Framing = WS
)
