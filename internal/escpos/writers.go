package escpos

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Sender is the subset of the device registry a serial printer needs
type Sender interface {
	Send(id string, data []byte) error
}

// RegistryWriter writes chunks to a connected serial printer
type RegistryWriter struct {
	Sender   Sender
	DeviceID string
}

func (w RegistryWriter) WriteChunk(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Sender.Send(w.DeviceID, chunk)
}

const (
	DefaultRawPort      = 9100
	defaultWriteTimeout = 5 * time.Second
)

// TCPWriter writes chunks to a network printer's raw (JetDirect) port
type TCPWriter struct {
	conn    net.Conn
	timeout time.Duration
}

// DialTCP connects to host:port, port 9100 when port <= 0
func DialTCP(ctx context.Context, host string, port int, timeout time.Duration) (*TCPWriter, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("missing printer host")
	}
	if port <= 0 {
		port = DefaultRawPort
	}
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}

	return &TCPWriter{conn: conn, timeout: timeout}, nil
}

func (w *TCPWriter) WriteChunk(ctx context.Context, chunk []byte) error {
	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = w.conn.SetWriteDeadline(deadline)

	_, err := w.conn.Write(chunk)
	return err
}

func (w *TCPWriter) Close() error {
	return w.conn.Close()
}
