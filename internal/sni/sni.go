// Package sni reads the server names a TLS client asked for.
package sni

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"wiremock-proxy/internal/hostmatch"
)

// HostName is the only server name type TLS defines.
const HostName uint8 = 0

const (
	recordTypeHandshake      = 22
	handshakeTypeClientHello = 1
	extensionServerName      = 0
	recordHeaderLen          = 5
	handshakeHeaderLen       = 4
)

var (
	// ErrUnsupported is returned by sessions that cannot report server names.
	ErrUnsupported = errors.New("server name introspection unsupported")
	// ErrIncomplete means more bytes are needed to parse the ClientHello.
	ErrIncomplete = errors.New("incomplete client hello")
	ErrMalformed  = errors.New("malformed client hello")
)

// ServerName is one entry of the server_name extension.
type ServerName struct {
	Type uint8
	Name string
}

// Session is whatever the TLS stack can tell about an in-progress handshake.
type Session interface {
	RequestedServerNames() ([]ServerName, error)
}

// Names adapts a fixed list of server names to a Session.
type Names []ServerName

func (n Names) RequestedServerNames() ([]ServerName, error) { return n, nil }

// TryExtractRequestedHostnames returns the well-formed host_name entries the
// client requested, in the order it sent them. Any failure to read the
// session yields an empty list.
func TryExtractRequestedHostnames(s Session) (hosts []string) {
	if s == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			hosts = nil
		}
	}()
	names, err := s.RequestedServerNames()
	if err != nil {
		return nil
	}
	for _, n := range names {
		if n.Type != HostName || !hostmatch.ValidHostname(n.Name) {
			continue
		}
		hosts = append(hosts, n.Name)
	}
	return hosts
}

// ParseClientHello extracts the server_name list from raw TLS records holding
// a ClientHello. The handshake message may be fragmented across records.
func ParseClientHello(records []byte) ([]ServerName, error) {
	msg, err := handshakeMessage(records)
	if err != nil {
		return nil, err
	}
	return parseHelloBody(msg)
}

// handshakeMessage reassembles the first handshake message from records.
func handshakeMessage(records []byte) ([]byte, error) {
	var msg []byte
	s := cryptobyte.String(records)
	for !s.Empty() {
		var (
			typ      uint8
			version  uint16
			fragment cryptobyte.String
		)
		if len(s) < recordHeaderLen {
			return nil, ErrIncomplete
		}
		if !s.ReadUint8(&typ) || !s.ReadUint16(&version) {
			return nil, ErrMalformed
		}
		if typ != recordTypeHandshake {
			return nil, fmt.Errorf("%w: record type %d", ErrMalformed, typ)
		}
		if !s.ReadUint16LengthPrefixed(&fragment) {
			return nil, ErrIncomplete
		}
		msg = append(msg, fragment...)
		complete, err := handshakeComplete(msg)
		if err != nil {
			return nil, err
		}
		if complete {
			return msg[:handshakeLen(msg)], nil
		}
	}
	return nil, ErrIncomplete
}

func handshakeLen(msg []byte) int {
	return handshakeHeaderLen + (int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3]))
}

func handshakeComplete(msg []byte) (bool, error) {
	if len(msg) < handshakeHeaderLen {
		return false, nil
	}
	if msg[0] != handshakeTypeClientHello {
		return false, fmt.Errorf("%w: handshake type %d", ErrMalformed, msg[0])
	}
	return len(msg) >= handshakeLen(msg), nil
}

func parseHelloBody(msg []byte) ([]ServerName, error) {
	var (
		typ        uint8
		body       cryptobyte.String
		version    uint16
		random     []byte
		sessionID  cryptobyte.String
		suites     cryptobyte.String
		methods    cryptobyte.String
		extensions cryptobyte.String
	)
	s := cryptobyte.String(msg)
	if !s.ReadUint8(&typ) || !s.ReadUint24LengthPrefixed(&body) {
		return nil, ErrMalformed
	}
	if !body.ReadUint16(&version) ||
		!body.ReadBytes(&random, 32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&methods) {
		return nil, ErrMalformed
	}
	if body.Empty() {
		// no extensions at all
		return nil, nil
	}
	if !body.ReadUint16LengthPrefixed(&extensions) || !body.Empty() {
		return nil, ErrMalformed
	}
	for !extensions.Empty() {
		var (
			ext  uint16
			data cryptobyte.String
		)
		if !extensions.ReadUint16(&ext) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, ErrMalformed
		}
		if ext != extensionServerName {
			continue
		}
		return parseServerNames(data)
	}
	return nil, nil
}

func parseServerNames(data cryptobyte.String) ([]ServerName, error) {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || list.Empty() || !data.Empty() {
		return nil, fmt.Errorf("%w: server_name extension", ErrMalformed)
	}
	var names []ServerName
	for !list.Empty() {
		var (
			typ  uint8
			name cryptobyte.String
		)
		if !list.ReadUint8(&typ) || !list.ReadUint16LengthPrefixed(&name) {
			return nil, fmt.Errorf("%w: server_name entry", ErrMalformed)
		}
		names = append(names, ServerName{Type: typ, Name: string(name)})
	}
	return names, nil
}
