// Package protocol owns the bridge frame contract.
//
// Ownership boundary:
// - frame tags and typed frame structs
// - frame encode/decode on top of the wire codec
// - stream framing (frame/) and session primitives (session/) live in subpackages
package protocol
