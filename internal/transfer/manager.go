// Package transfer implements the TransferManager (spec.md §4.M): it owns
// the set of active transfers, routes inbound wire packets to the correct
// per-transfer Sender or Receiver instance by transferId, and appends a
// terminal-outcome record to the AuditLog when each transfer finishes.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/config"
	"github.com/strataflow/filepipe/internal/events"
	"github.com/strataflow/filepipe/internal/identity"
	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/receiver"
	"github.com/strataflow/filepipe/internal/sender"
	"github.com/strataflow/filepipe/internal/streamreader"
	"github.com/strataflow/filepipe/internal/wireproto"
)

// Direction distinguishes an outbound (this process is the sender) from
// an inbound (this process is the receiver) transfer.
type Direction int

const (
	DirectionSend Direction = iota + 1
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "SEND"
	case DirectionReceive:
		return "RECEIVE"
	default:
		return "UNKNOWN"
	}
}

func parseDirection(s string) Direction {
	switch s {
	case "SEND":
		return DirectionSend
	case "RECEIVE":
		return DirectionReceive
	default:
		return 0
	}
}

// Transport is the boundary API both Sender and Receiver send frames
// through (spec.md §6 send_to_peer); satisfied by sender.Transport and
// receiver.Transport, which share the same method set.
type Transport interface {
	SendToPeer(peerID string, data []byte) error
}

type entry struct {
	transferID string
	direction  Direction
	peerID     string
	name       string
	size       int64
	startedAt  time.Time
	sender     *sender.Sender
	receiver   *receiver.Receiver
}

// Manager is the TransferManager: a mutex-guarded registry of active
// transfers, grounded on the teacher's SessionStore (daemon/manager/store.go)
// generalized from a passive session table into an active router that
// owns and dispatches to live Sender/Receiver instances.
type Manager struct {
	cfg       *config.Config
	transport Transport
	engine    *checksum.Engine
	openFile  receiver.OpenAppendFile
	pub       *events.Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	framer    *wireproto.Framer
	audit     *AuditLog // nil disables audit recording
	trust     *identity.TrustStore // nil disables META authentication

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager constructs a Manager. audit may be nil if no persistent
// history is desired. trust may be nil to disable META signature
// verification on the receive side entirely (e.g. tests); a real daemon
// wires a shared identity.TrustStore here so every inbound META is
// authenticated before receiver.InitTransfer allocates any state.
func NewManager(cfg *config.Config, transport Transport, engine *checksum.Engine, openFile receiver.OpenAppendFile, pub *events.Publisher, logger *observability.Logger, metrics *observability.Metrics, audit *AuditLog, trust *identity.TrustStore) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		openFile:  openFile,
		pub:       pub,
		logger:    logger,
		metrics:   metrics,
		framer:    wireproto.NewFramer(),
		audit:     audit,
		trust:     trust,
		entries:   make(map[string]*entry),
	}
}

// Start begins an outbound transfer (spec.md §4.M / §6 Start{file,
// transferId, chunkSize}): a fresh Sender is constructed, registered, and
// started. Returns the transferId a caller should use for subsequent
// Pause/Resume/Cancel/OnAck/OnBatchAck calls.
func (m *Manager) Start(ctx context.Context, peerID, name string, src streamreader.Source, lastModified time.Time, openFile func() (io.Reader, error), id *identity.Identity) (string, error) {
	transferID := uuid.New().String()
	s := sender.New(m.cfg, m.transport, m.engine, m.pub, m.logger, m.metrics)

	e := &entry{transferID: transferID, direction: DirectionSend, peerID: peerID, name: name, startedAt: time.Now()}
	m.mu.Lock()
	m.entries[transferID] = e
	m.mu.Unlock()

	if err := s.Start(ctx, transferID, peerID, name, src, lastModified, openFile, id); err != nil {
		m.mu.Lock()
		delete(m.entries, transferID)
		m.mu.Unlock()
		return "", fmt.Errorf("transfer: start: %w", err)
	}

	m.mu.Lock()
	e.sender = s
	e.size = src.Size()
	m.mu.Unlock()

	m.watchCompletion(transferID)
	return transferID, nil
}

// watchCompletion subscribes to one transfer's event stream and, on its
// terminal event: (a) if this entry is receive-direction, notifies the
// remote sender over the wire via PacketReceiverComplete (spec.md §3 data
// flow "L emits COMPLETE to M", §4.K on_receiver_complete — the wire
// protocol has no COMPLETE byte layout of its own, so the TransferManager
// relays it as a small control packet), and (b) appends one AuditLog row,
// if an AuditLog was configured.
func (m *Manager) watchCompletion(transferID string) {
	sub := m.pub.Subscribe(transferID)
	go func() {
		defer m.pub.Unsubscribe(sub.ID)
		for ev := range sub.Channel {
			var outcome Outcome
			switch ev.Type {
			case events.EventComplete:
				outcome = OutcomeCompleted
			case events.EventError:
				outcome = OutcomeFailed
			case events.EventCancelled:
				outcome = OutcomeCancelled
			default:
				continue
			}

			m.mu.RLock()
			e, ok := m.entries[transferID]
			m.mu.RUnlock()
			if !ok {
				return
			}

			if e.direction == DirectionReceive && ev.Type == events.EventComplete {
				m.notifyReceiverComplete(transferID, e.peerID)
			}

			if m.audit != nil {
				size := e.size
				if ev.Type == events.EventComplete {
					size = ev.Size
				}
				if err := m.audit.Record(transferID, e.name, e.direction, size, outcome, ev.Message, e.startedAt, time.Now()); err != nil {
					m.logger.Error(err, "audit log record failed")
				}
			}
			return
		}
	}()
}

func (m *Manager) notifyReceiverComplete(transferID, peerID string) {
	frame, err := m.framer.EncodeReceiverComplete(&wireproto.ReceiverCompletePacket{TransferID: transferID})
	if err != nil {
		m.logger.Error(err, "encode receiver-complete failed")
		return
	}
	if err := m.transport.SendToPeer(peerID, frame); err != nil {
		m.logger.Error(err, "send receiver-complete failed")
	}
}

// InitReceive begins an inbound transfer from a decoded META packet
// (spec.md §4.M routing: the TransferManager owns receiver allocation).
func (m *Manager) InitReceive(meta *wireproto.MetaPacket, peerID string) error {
	r := receiver.New(m.cfg, m.transport, m.engine, m.openFile, m.pub, m.logger, m.metrics, m.trust)

	e := &entry{
		transferID: meta.TransferID,
		direction:  DirectionReceive,
		peerID:     peerID,
		name:       meta.Metadata.Name,
		size:       int64(meta.Metadata.Size),
		startedAt:  time.Now(),
		receiver:   r,
	}
	m.mu.Lock()
	m.entries[meta.TransferID] = e
	m.mu.Unlock()

	if err := r.InitTransfer(meta, peerID); err != nil {
		m.mu.Lock()
		delete(m.entries, meta.TransferID)
		m.mu.Unlock()
		return fmt.Errorf("transfer: init receive: %w", err)
	}

	m.watchCompletion(meta.TransferID)
	return nil
}

// OnPacket decodes one inbound frame and routes it to the matching
// instance by transferId (spec.md §4.M / §6 OnPacket{bytes}). META
// packets allocate a new receiver via InitReceive; DATA/END route to an
// existing receiver; ACK/BATCH_ACK route to an existing sender. An
// unknown transferId, or a META whose transferId collides with an
// already-registered transfer, is silently ignored per spec.md §4.M.
//
// peerID identifies the connection the frame arrived on (known to the
// peertransport layer demultiplexing inbound connections, even though
// spec.md §6 models OnPacket as taking only the raw bytes): it seeds a
// freshly allocated receiver's reply address for a META packet and is
// otherwise unused, since every other packet type routes by transferId.
func (m *Manager) OnPacket(frame []byte, peerID string) error {
	t, err := m.framer.PeekType(frame)
	if err != nil {
		return nil // malformed: silent drop (spec.md §7 Validation)
	}

	switch t {
	case wireproto.PacketMeta:
		meta, err := m.framer.DecodeMeta(frame)
		if err != nil {
			return nil
		}
		if m.lookup(meta.TransferID) != nil {
			return nil // already registered: ignore duplicate META
		}
		return m.InitReceive(meta, peerID)

	case wireproto.PacketData:
		pkt, err := m.framer.DecodeData(frame)
		if err != nil {
			return nil
		}
		e := m.lookup(pkt.TransferID)
		if e == nil || e.receiver == nil {
			return nil
		}
		e.receiver.OnChunk(frame)
		return nil

	case wireproto.PacketEnd:
		pkt, err := m.framer.DecodeEnd(frame)
		if err != nil {
			return nil
		}
		e := m.lookup(pkt.TransferID)
		if e == nil || e.receiver == nil {
			return nil
		}
		e.receiver.OnEnd()
		return nil

	case wireproto.PacketAck:
		pkt, err := m.framer.DecodeAck(frame)
		if err != nil {
			return nil
		}
		return m.OnAck(pkt.TransferID, pkt.ChunkIndex)

	case wireproto.PacketBatchAck:
		pkt, err := m.framer.DecodeBatchAck(frame)
		if err != nil {
			return nil
		}
		return m.OnBatchAck(pkt.TransferID, pkt)

	case wireproto.PacketReceiverComplete:
		pkt, err := m.framer.DecodeReceiverComplete(frame)
		if err != nil {
			return nil
		}
		return m.OnReceiverComplete(pkt.TransferID)

	default:
		return nil
	}
}

// OnAck routes a single-index ACK to its sender (spec.md §6
// OnAck{transferId, chunkIndex}). Unknown transferId: ignored.
func (m *Manager) OnAck(transferID string, chunkIndex uint32) error {
	e := m.lookup(transferID)
	if e == nil || e.sender == nil {
		return nil
	}
	e.sender.OnAck(chunkIndex)
	return nil
}

// OnBatchAck routes a BATCH_ACK to its sender (spec.md §6
// OnBatchAck{batch}). Unknown transferId: ignored.
func (m *Manager) OnBatchAck(transferID string, batch *wireproto.BatchAckPacket) error {
	e := m.lookup(transferID)
	if e == nil || e.sender == nil {
		return nil
	}
	return e.sender.OnBatchAck(batch)
}

// OnReceiverComplete routes the terminal success signal to its sender
// (spec.md §6 OnReceiverComplete{transferId}). Unknown transferId: ignored.
func (m *Manager) OnReceiverComplete(transferID string) error {
	e := m.lookup(transferID)
	if e == nil || e.sender == nil {
		return nil
	}
	e.sender.OnReceiverComplete()
	return nil
}

// Pause suspends an outbound transfer's chunk admission. A no-op for an
// unknown transferId or an inbound transfer (spec.md §4.M: unknown
// transferIds are ignored; pause/resume only apply to the sending side).
func (m *Manager) Pause(transferID string) {
	e := m.lookup(transferID)
	if e == nil || e.sender == nil {
		return
	}
	e.sender.Pause()
}

// Resume re-admits chunks on a previously paused outbound transfer.
func (m *Manager) Resume(transferID string) {
	e := m.lookup(transferID)
	if e == nil || e.sender == nil {
		return
	}
	e.sender.Resume()
}

// Cancel idempotently tears down a transfer, routing to whichever side
// owns transferID. A no-op for an unknown transferId.
func (m *Manager) Cancel(transferID string) {
	e := m.lookup(transferID)
	if e == nil {
		return
	}
	switch {
	case e.sender != nil:
		e.sender.Cancel()
	case e.receiver != nil:
		e.receiver.Cancel()
	}
}

func (m *Manager) lookup(transferID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[transferID]
}

// Forget drops a terminal transfer's bookkeeping entry. The Sender/
// Receiver themselves are already torn down by the time this is called;
// this only releases the Manager's own reference.
func (m *Manager) Forget(transferID string) {
	m.mu.Lock()
	delete(m.entries, transferID)
	m.mu.Unlock()
}

// SetTransport wires the Transport after construction, for callers that
// need a Dispatcher (the Manager itself) to build their Transport before
// the Manager can be given one — e.g. peertransport.New(tlsConfig, mgr,
// ...) requires mgr as its Dispatcher, so mgr is constructed with a nil
// transport first and wired to the resulting Transport here.
func (m *Manager) SetTransport(transport Transport) {
	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()
}

// ActiveCount reports how many transfers the Manager currently tracks.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
