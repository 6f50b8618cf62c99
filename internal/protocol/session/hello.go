package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic opens every stream connection.
const Magic = "zbus"

const helloLen = len(Magic) + 2

var (
	ErrInvalidMagic       = errors.New("session: invalid magic")
	ErrUnsupportedVersion = errors.New("session: unsupported protocol version")
)

// WriteHello sends the magic and the local protocol version.
func WriteHello(w io.Writer, version uint16) error {
	buf := make([]byte, helloLen)
	copy(buf, Magic)
	binary.BigEndian.PutUint16(buf[len(Magic):], version)
	_, err := w.Write(buf)
	return err
}

// ReadHello reads the peer hello and returns its protocol version. Versions
// greater than maxVersion are rejected.
func ReadHello(r io.Reader, maxVersion uint16) (uint16, error) {
	var buf [helloLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if string(buf[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMagic, buf[:len(Magic)])
	}
	version := binary.BigEndian.Uint16(buf[len(Magic):])
	if version == 0 || version > maxVersion {
		return 0, fmt.Errorf("%w: peer=%d local=%d", ErrUnsupportedVersion, version, maxVersion)
	}
	return version, nil
}
