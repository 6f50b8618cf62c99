// Package transport carries bridge frames between nodes.
//
// Two connection kinds are supported: length-prefixed stream framing over
// TCP (optionally TLS) opened with a "zbus" hello, and websocket connections
// where every binary message is one frame. A Link dials one peer and keeps it
// connected; a Server accepts peers on a listener or an HTTP upgrade.
package transport
