// Package cstp carries the protocol identity shared by the HTTP and MCP
// transports.
package cstp

const (
	// ProtocolName identifies the protocol in discovery documents.
	ProtocolName = "cstp"

	// ProtocolVersion is the wire protocol revision.
	ProtocolVersion = "1.0"

	// Version is the server release version, overridable at build time with
	// -ldflags "-X github.com/tfatykhov/cstp.Version=...".
	Version = "0.3.0"
)
