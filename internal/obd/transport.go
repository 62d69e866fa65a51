package obd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrReadTimeout is returned when the adapter produced no prompt within
// the read deadline.
var ErrReadTimeout = errors.New("obd: transport read timeout")

// Transport is the byte-level capability the connection manager drives.
// Serial devices, Bluetooth RFCOMM nodes and WiFi adapters all reduce to
// it. Read accumulates bytes until the adapter prompt ('>') or timeout.
type Transport interface {
	Write(p []byte) error
	Read(timeout time.Duration) ([]byte, error)
	Close() error
}

// Dialer opens a fresh transport. The manager redials on every reconnect
// so a stale handle is never reused.
type Dialer func() (Transport, error)

// NewDialer picks the transport implementation for a configured link.
// Serial and Bluetooth RFCOMM are both device nodes on Linux; WiFi
// adapters listen on TCP (192.168.0.10:35000 on most ELM327 clones).
func NewDialer(kind, endpoint string, dialTimeout time.Duration) (Dialer, error) {
	switch kind {
	case "serial", "bluetooth":
		return func() (Transport, error) { return openDevice(endpoint) }, nil
	case "wifi", "tcp":
		return func() (Transport, error) { return dialTCP(endpoint, dialTimeout) }, nil
	case "sim":
		return func() (Transport, error) { return NewSimulator(), nil }, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

const promptByte = '>'

// deadlineConn is the shared surface of os.File and net.Conn we need.
type deadlineConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type streamTransport struct {
	conn deadlineConn
	name string
}

func (t *streamTransport) Write(p []byte) error {
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("write to %s: %w", t.name, err)
	}
	return nil
}

func (t *streamTransport) Read(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set deadline on %s: %w", t.name, err)
	}

	buf := make([]byte, 0, 128)
	chunk := make([]byte, 64)
	for {
		n, err := t.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if n > 0 && buf[len(buf)-1] == promptByte {
			return buf, nil
		}
		if err != nil {
			if os.IsTimeout(err) {
				return buf, ErrReadTimeout
			}
			return buf, fmt.Errorf("read from %s: %w", t.name, err)
		}
	}
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

func openDevice(path string) (Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open adapter device %s: %w", path, err)
	}
	return &streamTransport{conn: f, name: path}, nil
}

func dialTCP(addr string, timeout time.Duration) (Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial adapter %s: %w", addr, err)
	}
	return &streamTransport{conn: conn, name: addr}, nil
}
