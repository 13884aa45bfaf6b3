package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single frame.
const MaxMessageSize = 16 << 20

// ServeUnix accepts connections on socketPath until ctx is done.
func ServeUnix(ctx context.Context, socketPath string, handler func(net.Conn)) error {
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handler(conn)
	}
}

// ServeConn answers framed requests on conn until the peer hangs up.
func ServeConn(conn net.Conn, serve ServeFunc) error {
	defer conn.Close()
	for {
		msg, err := ReadMessage(conn)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		resp, err := serve(msg)
		if err != nil {
			return err
		}
		if err := WriteMessage(conn, resp); err != nil {
			return err
		}
	}
}

// Simple framing helpers: a 4-byte big-endian length, then the payload.
func ReadMessage(r io.Reader) ([]byte, error) {
	lengthBytes := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBytes); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func WriteMessage(w io.Writer, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err := w.Write(frame)
	return err
}

// UnixRoundTripper sends each request over a fresh connection to socketPath.
func UnixRoundTripper(socketPath string, timeout time.Duration) RoundTripper {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", socketPath)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		if err := WriteMessage(conn, payload); err != nil {
			return nil, err
		}
		return ReadMessage(conn)
	}
}
