// Package peertransport implements the send_to_peer/accept boundary that
// spec.md §6 assumes exists (Transport.SendToPeer) over real QUIC
// connections: one long-lived bidirectional stream per peer carries
// length-prefixed wireproto frames in both directions, grounded on the
// teacher's ControlStream (daemon/transport/control_stream.go) framing
// convention and QUICConnection/QUICListener dial/accept wrappers
// (daemon/transport/quic_connection.go).
package peertransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/ratelimit"
)

// Dispatcher receives a decoded inbound frame, tagged with the peerID the
// connection was registered under. Satisfied by *transfer.Manager.
type Dispatcher interface {
	OnPacket(frame []byte, peerID string) error
}

// Transport is the QUIC-backed implementation of the sender/receiver/
// transfer.Transport interfaces (all of which reduce to SendToPeer).
type Transport struct {
	tlsConfig *tls.Config
	dispatch  Dispatcher
	logger    *observability.Logger
	limiters  *ratelimit.Registry

	mu       sync.RWMutex
	peers    map[string]*peerConn
	listener *quic.Listener
}

type peerConn struct {
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
}

// New constructs a Transport. sendRateBytesPerSec <= 0 disables per-peer
// outbound rate limiting.
func New(tlsConfig *tls.Config, dispatch Dispatcher, logger *observability.Logger, sendRateBytesPerSec float64, sendBurstBytes int) *Transport {
	return &Transport{
		tlsConfig: tlsConfig,
		dispatch:  dispatch,
		logger:    logger,
		limiters:  ratelimit.NewRegistry(sendRateBytesPerSec, sendBurstBytes),
		peers:     make(map[string]*peerConn),
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10e9, // 10s, ns
		MaxIdleTimeout:                 60e9, // 60s, ns
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	}
}

// Listen opens a QUIC listener on addr. Serve must be called afterward to
// actually accept connections.
func (t *Transport) Listen(addr string) (string, error) {
	l, err := quic.ListenAddr(addr, t.tlsConfig, quicConfig())
	if err != nil {
		return "", fmt.Errorf("peertransport: listen: %w", err)
	}
	t.listener = l
	return l.Addr().String(), nil
}

// Serve accepts inbound connections until ctx is cancelled or the
// listener is closed, dispatching each to its own accept loop.
func (t *Transport) Serve(ctx context.Context) error {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			return err
		}
		go t.acceptConn(ctx, conn)
	}
}

// Close shuts down the listener, if one was started.
func (t *Transport) Close() error {
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

func (t *Transport) acceptConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.logger.Error(err, "peertransport: accept stream failed")
		return
	}
	peerID, err := readHello(stream)
	if err != nil {
		t.logger.Error(err, "peertransport: read peer hello failed")
		return
	}
	t.registerPeer(peerID, conn, stream)
	t.readLoop(peerID, stream)
}

// Dial opens an outbound connection to addr, announces selfID as this
// process's identity on the resulting stream, and registers it under
// peerID for subsequent SendToPeer calls.
func (t *Transport) Dial(ctx context.Context, addr, selfID, peerID string) error {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig, quicConfig())
	if err != nil {
		return fmt.Errorf("peertransport: dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("peertransport: open stream: %w", err)
	}
	if err := writeHello(stream, selfID); err != nil {
		return fmt.Errorf("peertransport: send hello: %w", err)
	}
	t.registerPeer(peerID, conn, stream)
	go t.readLoop(peerID, stream)
	return nil
}

func (t *Transport) registerPeer(peerID string, conn *quic.Conn, stream *quic.Stream) {
	t.mu.Lock()
	t.peers[peerID] = &peerConn{conn: conn, stream: stream}
	t.mu.Unlock()
}

func (t *Transport) removePeer(peerID string) {
	t.mu.Lock()
	delete(t.peers, peerID)
	t.mu.Unlock()
	t.limiters.Forget(peerID)
}

func (t *Transport) readLoop(peerID string, stream *quic.Stream) {
	defer t.removePeer(peerID)
	for {
		frame, err := readFrame(stream)
		if err != nil {
			if err != io.EOF {
				t.logger.Error(err, "peertransport: read frame failed")
			}
			return
		}
		if err := t.dispatch.OnPacket(frame, peerID); err != nil {
			t.logger.Error(err, "peertransport: dispatch failed")
		}
	}
}

// SendToPeer writes one length-prefixed frame to peerID's stream,
// blocking on that peer's rate limiter if one is configured. Satisfies
// sender.Transport, receiver.Transport and transfer.Transport.
func (t *Transport) SendToPeer(peerID string, data []byte) error {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peertransport: unknown peer %q", peerID)
	}

	if lim := t.limiters.Get(peerID); lim != nil {
		if err := lim.WaitN(context.Background(), len(data)); err != nil {
			return fmt.Errorf("peertransport: rate limit wait: %w", err)
		}
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return writeFrame(pc.stream, data)
}

// PeerIDs returns the currently registered peer identifiers.
func (t *Transport) PeerIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

func writeHello(w io.Writer, selfID string) error {
	return writeFrame(w, []byte(selfID))
}

func readHello(r io.Reader) (string, error) {
	frame, err := readFrame(r)
	if err != nil {
		return "", err
	}
	return string(frame), nil
}

// writeFrame lays out a u32 big-endian length prefix followed by the raw
// frame bytes, matching the teacher's ControlStream.sendControlMessage
// framing (minus its leading message-type byte, since wireproto frames
// already self-describe their type).
func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
