// Package socks5 implements the client-facing half of the SOCKS5 handshake:
// method negotiation, the CONNECT request, and the reply.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	"github.com/samelat/bogeyman/internal/domain"
)

var (
	// ErrProtocol means the client sent something that is not SOCKS. The
	// connection is dropped without a reply.
	ErrProtocol = errors.New("socks5: protocol error")
	// ErrUnsupported means a well-formed request asked for something this
	// proxy does not do. A reply has been written when it is returned.
	ErrUnsupported = errors.New("socks5: unsupported feature")
)

// Request is a parsed CONNECT.
type Request struct {
	Version byte
	Command byte
	Addr    string
	Port    int
}

func (r Request) String() string {
	return net.JoinHostPort(r.Addr, fmt.Sprint(r.Port))
}

// Negotiate reads the greeting and accepts "no authentication". It returns
// the version the client spoke.
func Negotiate(rw io.ReadWriter) (byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return 0, fmt.Errorf("read greeting: %w", err)
	}
	version, nmethods := header[0], int(header[1])
	if (version != domain.SocksVersion4 && version != domain.SocksVersion5) || nmethods < 1 {
		return 0, fmt.Errorf("%w: version %d with %d methods", ErrProtocol, version, nmethods)
	}

	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(rw, methods); err != nil {
		return 0, fmt.Errorf("read methods: %w", err)
	}
	if !slices.Contains(methods, domain.MethodNoAuth) {
		return 0, fmt.Errorf("%w: no acceptable auth method in %v", ErrProtocol, methods)
	}

	if _, err := rw.Write([]byte{version, domain.MethodNoAuth}); err != nil {
		return 0, fmt.Errorf("write method selection: %w", err)
	}
	return version, nil
}

// ReadRequest reads the request header and destination. Address types other
// than IPv4 and domain name are answered with "address type not supported".
func ReadRequest(rw io.ReadWriter) (Request, error) {
	var header [4]byte
	if _, err := io.ReadFull(rw, header[:]); err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	req := Request{Version: header[0], Command: header[1]}

	switch header[3] {
	case domain.AtypIPv4:
		var buf [6]byte
		if _, err := io.ReadFull(rw, buf[:]); err != nil {
			return Request{}, fmt.Errorf("read ipv4 address: %w", err)
		}
		req.Addr = net.IP(buf[:4]).String()
		req.Port = int(binary.BigEndian.Uint16(buf[4:]))
	case domain.AtypDomain:
		var size [1]byte
		if _, err := io.ReadFull(rw, size[:]); err != nil {
			return Request{}, fmt.Errorf("read domain length: %w", err)
		}
		buf := make([]byte, int(size[0])+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return Request{}, fmt.Errorf("read domain: %w", err)
		}
		req.Addr = string(buf[:size[0]])
		req.Port = int(binary.BigEndian.Uint16(buf[size[0]:]))
	default:
		if err := WriteReply(rw, req.Version, domain.ReplyAtypUnsupported); err != nil {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: address type %d", ErrUnsupported, header[3])
	}

	if req.Command != domain.CmdSocksConnect {
		if err := WriteReply(rw, req.Version, domain.ReplyCommandUnsupported); err != nil {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: command %d", ErrUnsupported, req.Command)
	}
	return req, nil
}

// WriteReply sends (version, status, 0, IPv4, 0.0.0.0, 0).
func WriteReply(w io.Writer, version byte, status int) error {
	if _, err := w.Write([]byte{version, ReplyCode(status), 0, domain.AtypIPv4, 0, 0, 0, 0, 0, 0}); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// ReplyCode maps a stream status to a reply byte. Internal statuses that are
// not reply codes become general failure.
func ReplyCode(status int) byte {
	if status < 0 || status > 0xFF {
		return domain.StatusGeneral
	}
	return byte(status)
}
