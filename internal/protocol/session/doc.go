// Package session owns peer-link transport helpers shared by bridge
// connections.
//
// Ownership boundary:
// - connection hello (magic + protocol version)
// - retry/backoff configuration
// - ordered outbound queue used while a link is down
// - TLS configuration and validation
package session
