// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/lwm2m/pkg/handler"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// csm is what the fake engine sends when a connection opens.
var csm = []byte{0x00, 0xe1}

type echoEngine struct {
	srv    *Server
	hello  chan string
	closed chan string
}

func newEchoEngine(srv *Server) *echoEngine {
	return &echoEngine{
		srv:    srv,
		hello:  make(chan string, 8),
		closed: make(chan string, 8),
	}
}

func (e *echoEngine) Hello(ctx context.Context, sess *handler.Context) error {
	if !sess.Reliable || sess.Protocol != "tcp" {
		return errors.New("unexpected session context")
	}
	e.hello <- sess.SessionID
	return e.srv.Send(ctx, csm, sess)
}

func (e *echoEngine) HandlePacket(ctx context.Context, b []byte, sess *handler.Context) error {
	return e.srv.Send(ctx, b, sess)
}

func (e *echoEngine) CloseSession(id string) {
	e.closed <- id
}

func frame(tkl int, payload []byte) []byte {
	var b bytes.Buffer
	n := len(payload)
	switch {
	case n < len8Offset:
		b.WriteByte(byte(n<<4 | tkl))
	case n < len16Offset:
		b.WriteByte(byte(13<<4 | tkl))
		b.WriteByte(byte(n - len8Offset))
	case n < len32Offset:
		b.WriteByte(byte(14<<4 | tkl))
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n-len16Offset))
		b.Write(ext[:])
	default:
		b.WriteByte(byte(15<<4 | tkl))
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], uint32(n-len32Offset))
		b.Write(ext[:])
	}
	b.WriteByte(0x45)
	b.Write(bytes.Repeat([]byte{0xaa}, tkl))
	b.Write(payload)
	return b.Bytes()
}

func TestReadFrame(t *testing.T) {
	small := frame(1, []byte{1, 2})
	medium := frame(0, bytes.Repeat([]byte{7}, 20))
	large := frame(4, bytes.Repeat([]byte{9}, 300))

	cases := []struct {
		name    string
		input   []byte
		max     int
		want    [][]byte
		wantErr error
	}{
		{name: "small frame", input: small, want: [][]byte{small}, wantErr: io.EOF},
		{name: "8 bit length", input: medium, want: [][]byte{medium}, wantErr: io.EOF},
		{name: "16 bit length", input: large, want: [][]byte{large}, wantErr: io.EOF},
		{
			name:    "frames back to back",
			input:   append(append(append([]byte{}, small...), medium...), large...),
			want:    [][]byte{small, medium, large},
			wantErr: io.EOF,
		},
		{name: "too large", input: large, max: 100, wantErr: ErrFrameTooLarge},
		{name: "truncated body", input: large[:50], wantErr: io.ErrUnexpectedEOF},
		{name: "truncated length", input: medium[:1], wantErr: io.ErrUnexpectedEOF},
		{name: "empty stream", input: nil, wantErr: io.EOF},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader(tc.input))
			for i, want := range tc.want {
				got, err := readFrame(r, tc.max)
				if err != nil {
					t.Fatalf("Frame %d: unexpected error %v", i, err)
				}
				if !bytes.Equal(got, want) {
					t.Fatalf("Frame %d: expected %x, got %x", i, want, got)
				}
			}
			if _, err := readFrame(r, tc.max); !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func startServer(t *testing.T, cfg Config) (*Server, *echoEngine, string, func() error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	cfg.Logger = testLogger
	srv := New(cfg)
	eng := newEchoEngine(srv)

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(ctx, listener, eng)
	}()
	t.Cleanup(cancel)

	stop := func() error {
		cancel()
		select {
		case err := <-serverErr:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Server shutdown timeout")
			return nil
		}
	}
	return srv, eng, listener.Addr().String(), stop
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("Failed to read %d bytes: %v", n, err)
	}
	return buf
}

func waitID(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
		return ""
	}
}

func TestTCPServer_Session(t *testing.T) {
	srv, eng, addr, stop := startServer(t, Config{})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	id := waitID(t, eng.hello, "hello")
	if got := readN(t, c, len(csm)); !bytes.Equal(got, csm) {
		t.Errorf("Expected CSM %x, got %x", csm, got)
	}
	if srv.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", srv.Count())
	}
	if got := srv.Addr(); got == nil || got.String() != addr {
		t.Errorf("Expected bound address %s, got %v", addr, got)
	}

	msg := append(frame(2, []byte("hello")), frame(0, bytes.Repeat([]byte{1}, 40))...)
	// Split the write to make sure frames are reassembled.
	if _, err := c.Write(msg[:3]); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Write(msg[3:]); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if got := readN(t, c, len(msg)); !bytes.Equal(got, msg) {
		t.Errorf("Expected echo %x, got %x", msg, got)
	}

	c.Close()
	if closed := waitID(t, eng.closed, "close"); closed != id {
		t.Errorf("Expected session %s to close, got %s", id, closed)
	}

	if err := srv.Send(context.Background(), csm, &handler.Context{SessionID: id}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
	if err := stop(); err != nil {
		t.Errorf("Server shutdown with error: %v", err)
	}
	if srv.Addr() != nil {
		t.Error("Expected no bound address after shutdown")
	}
}

func TestTCPServer_FrameTooLarge(t *testing.T) {
	_, eng, addr, stop := startServer(t, Config{MaxFrameSize: 64})
	defer stop()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()

	waitID(t, eng.hello, "hello")
	readN(t, c, len(csm))
	if _, err := c.Write(frame(0, bytes.Repeat([]byte{1}, 300))); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	waitID(t, eng.closed, "close")
}

func TestTCPServer_ConnectionLimit(t *testing.T) {
	_, eng, addr, stop := startServer(t, Config{MaxConnections: 1})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()
	waitID(t, eng.hello, "hello")

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()
	if err := second.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the second connection to be rejected")
	}

	first.Close()
	waitID(t, eng.closed, "close")
	if err := stop(); err != nil {
		t.Errorf("Server shutdown with error: %v", err)
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	srv, eng, addr, stop := startServer(t, Config{ShutdownTimeout: 100 * time.Millisecond})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c.Close()
	waitID(t, eng.hello, "hello")

	if err := stop(); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
	waitID(t, eng.closed, "close")
	if srv.Count() != 0 {
		t.Errorf("Expected no connections after shutdown, got %d", srv.Count())
	}
}

func TestTCPServer_InvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:99999", Logger: testLogger})
	if err := srv.Listen(context.Background(), newEchoEngine(srv)); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	srv := New(Config{})

	if srv.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if srv.config.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("Expected shutdown timeout %v, got %v", DefaultShutdownTimeout, srv.config.ShutdownTimeout)
	}
	if srv.config.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("Expected max frame size %d, got %d", DefaultMaxFrameSize, srv.config.MaxFrameSize)
	}
	if srv.config.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Expected write timeout %v, got %v", DefaultWriteTimeout, srv.config.WriteTimeout)
	}
	if srv.connSem != nil {
		t.Error("Expected no connection limit by default")
	}
}

func TestPeerHost(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 40000}
	if got := peerHost(addr); got != "192.168.1.5" {
		t.Errorf("Expected host 192.168.1.5, got %s", got)
	}
}
