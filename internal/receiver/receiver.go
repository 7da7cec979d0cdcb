// Package receiver implements the Receiver (spec.md §4.L): it ingests
// DATA packets, verifies sampled per-chunk checksums, sequences them into
// strictly ascending application order regardless of arrival order, and
// assembles the final artifact in memory or on disk depending on the
// declared file size, finally comparing the whole-file SHA-256 against
// the META packet before declaring COMPLETE.
package receiver

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strataflow/filepipe/internal/batchack"
	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/config"
	"github.com/strataflow/filepipe/internal/events"
	"github.com/strataflow/filepipe/internal/identity"
	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/wireproto"
)

// Transport is the boundary API a Receiver sends ACK/BATCH_ACK frames
// through back to the sender.
type Transport interface {
	SendToPeer(peerID string, data []byte) error
}

// OpenAppendFile is the boundary API for disk-mode assembly (spec.md §6
// open_append_file): it hands back a fresh append-only writer for name.
type OpenAppendFile func(name string) (FileWriter, error)

// Receiver ingests one transfer's DATA stream end to end.
type Receiver struct {
	cfg       *config.Config
	transport Transport
	pub       *events.Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	framer    *wireproto.Framer
	engine    *checksum.Engine
	openFile  OpenAppendFile
	trust     *identity.TrustStore

	mu                sync.Mutex
	transferID        string
	peerID            string
	meta              *wireproto.MetaPacket
	diskMode          bool
	memBuf            map[uint32][]byte
	writer            FileWriter
	nextExpectedIndex uint32
	pending           map[uint32][]byte
	pendingCapacity   int
	seen              map[uint32]struct{}
	bytesReceived     int64
	ack               *batchack.Manager
	cancelled         bool
	completed         bool
	failed            bool
	startTime         time.Time

	ackStop chan struct{}
}

// New constructs a Receiver. engine is the process-shared ChecksumEngine
// worker pool (spec.md §5 Shared resources). trust, if non-nil, enforces
// trust-on-first-use verification of every inbound META's signature before
// InitTransfer allocates any state; a nil trust disables authentication
// entirely (accepted for callers, such as tests, that never sign META).
func New(cfg *config.Config, transport Transport, engine *checksum.Engine, openFile OpenAppendFile, pub *events.Publisher, logger *observability.Logger, metrics *observability.Metrics, trust *identity.TrustStore) *Receiver {
	return &Receiver{
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		openFile:  openFile,
		pub:       pub,
		logger:    logger,
		metrics:   metrics,
		framer:    wireproto.NewFramer(),
		trust:     trust,
	}
}

// ErrUnauthenticated marks a META packet rejected by InitTransfer because
// it carried no signature, or a signature that failed trust-on-first-use
// verification, while a TrustStore is configured.
var ErrUnauthenticated = errors.New("receiver: unauthenticated META rejected")

// InitTransfer allocates transfer state from an inbound META packet
// (spec.md §4.L init_transfer): it picks memory vs disk assembly by size
// threshold, eagerly applies the embedded first chunk if present, and
// immediately finalizes a zero-chunk (empty) transfer. If a TrustStore was
// configured, the META's signature is verified first and no state is
// allocated at all on failure (spec.md §3 domain stack: authenticity of
// the preflight packet).
func (r *Receiver) InitTransfer(meta *wireproto.MetaPacket, peerID string) error {
	if r.trust != nil {
		if len(meta.Signature) == 0 || len(meta.SignerPublicKey) == 0 {
			r.logger.Warn("rejecting META for " + meta.TransferID + ": missing signature")
			return ErrUnauthenticated
		}
		canonical := wireproto.CanonicalMetaBytes(meta)
		if err := r.trust.Verify(peerID, ed25519.PublicKey(meta.SignerPublicKey), canonical, meta.Signature); err != nil {
			r.logger.Warn("rejecting META for " + meta.TransferID + ": " + err.Error())
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
	}

	r.transferID = meta.TransferID
	r.peerID = peerID
	r.meta = meta
	r.seen = make(map[uint32]struct{})
	r.ack = batchack.New(meta.TransferID)
	r.startTime = time.Now()
	r.pendingCapacity = r.cfg.WindowMax * 4
	if r.pendingCapacity <= 0 {
		r.pendingCapacity = 400
	}

	r.diskMode = int64(meta.Metadata.Size) >= r.cfg.DiskThresholdBytes
	if r.diskMode {
		w, err := r.openFile(diskTempName(meta.TransferID))
		if err != nil {
			return fmt.Errorf("receiver: open append file: %w", err)
		}
		r.writer = w
		r.pending = make(map[uint32][]byte)
	} else {
		r.memBuf = make(map[uint32][]byte)
	}

	r.logger.TransferStarted(meta.TransferID, meta.Metadata.Name, int64(meta.Metadata.Size), meta.Metadata.TotalChunks)
	r.pub.PublishAssembling(meta.TransferID)

	r.ackStop = make(chan struct{})
	go r.ackLoop()

	if meta.Metadata.TotalChunks == 0 {
		return r.finalize()
	}
	if meta.FirstChunk != nil {
		r.applyChunk(0, meta.FirstChunk.Data)
	}
	return nil
}

func diskTempName(transferID string) string {
	return fmt.Sprintf("filepipe-%s.part", transferID)
}

// OnChunk decodes and applies one DATA frame (spec.md §4.L on_chunk).
// Any validation or integrity failure drops the packet silently — no ACK
// follows, and the sender's retry path recovers it.
func (r *Receiver) OnChunk(frame []byte) {
	pkt, err := r.framer.DecodeData(frame)
	if err != nil {
		r.logger.Warn("malformed DATA frame: " + err.Error())
		return
	}
	if pkt.TransferID != r.transferID {
		r.logger.ChunkDropped(pkt.TransferID, pkt.ChunkIndex, "transfer_id_mismatch")
		r.metrics.RecordChunkDropped("transfer_id_mismatch")
		return
	}
	if pkt.ChunkIndex >= r.meta.Metadata.TotalChunks {
		r.logger.ChunkDropped(r.transferID, pkt.ChunkIndex, "index_out_of_range")
		r.metrics.RecordChunkDropped("index_out_of_range")
		return
	}
	if want := r.expectedLen(pkt.ChunkIndex); len(pkt.Data) != want {
		r.logger.ChunkDropped(r.transferID, pkt.ChunkIndex, "length_mismatch")
		r.metrics.RecordChunkDropped("length_mismatch")
		return
	}
	if pkt.Checksum != "" {
		sum, err := r.engine.HashOneShot(context.Background(), pkt.Data)
		if err != nil || sum != pkt.Checksum {
			r.logger.ChunkDropped(r.transferID, pkt.ChunkIndex, "checksum_mismatch")
			r.metrics.RecordChunkDropped("checksum_mismatch")
			return
		}
	}

	r.applyChunk(pkt.ChunkIndex, pkt.Data)
}

// expectedLen returns the deterministic byte length of chunk index
// (spec.md I2): chunkSize except possibly the last, never padded.
func (r *Receiver) expectedLen(index uint32) int {
	chunkSize := int64(r.meta.Metadata.ChunkSize)
	if uint64(index)+1 < uint64(r.meta.Metadata.TotalChunks) {
		return int(chunkSize)
	}
	last := int64(r.meta.Metadata.Size) - int64(index)*chunkSize
	if last < 0 {
		return 0
	}
	return int(last)
}

// applyChunk is the single entry point that enforces I5 (strictly
// ascending apply order) and I6 (idempotent duplicates), regardless of
// assembly mode or arrival order.
func (r *Receiver) applyChunk(index uint32, data []byte) {
	r.mu.Lock()
	if r.cancelled || r.failed {
		r.mu.Unlock()
		return
	}
	if r.completed {
		// Grace window (spec.md §3 Lifecycles): late duplicates are ACKed
		// if still tracked, never reapplied; once the grace window has
		// expired (r.seen cleared) they are silently dropped.
		if r.seen != nil {
			if _, dup := r.seen[index]; dup {
				r.ack.Ack(index)
			}
		}
		r.mu.Unlock()
		return
	}
	if _, dup := r.seen[index]; dup {
		r.ack.Ack(index)
		r.mu.Unlock()
		return
	}

	if r.diskMode {
		if index < r.nextExpectedIndex {
			// Already written by an earlier duplicate of a lower index's
			// drain pass; ack and move on.
			r.ack.Ack(index)
			r.mu.Unlock()
			return
		}
		if index == r.nextExpectedIndex {
			if err := r.writeSequential(index, data); err != nil {
				r.mu.Unlock()
				r.fail(fmt.Sprintf("disk write failed at chunk %d: %v", index, err))
				return
			}
			r.drainPending()
		} else {
			if len(r.pending) >= r.pendingCapacity {
				// Backpressure: drop without acking or marking seen so the
				// sender's ack-timeout retries it once room frees up.
				r.mu.Unlock()
				r.logger.ChunkDropped(r.transferID, index, "pending_overflow")
				r.metrics.RecordChunkDropped("pending_overflow")
				return
			}
			r.pending[index] = data
			r.seen[index] = struct{}{}
		}
	} else {
		r.memBuf[index] = data
		r.seen[index] = struct{}{}
	}

	r.bytesReceived += int64(len(data))
	r.ack.Ack(index)
	received := len(r.seen)
	total := r.meta.Metadata.TotalChunks
	r.mu.Unlock()

	r.metrics.RecordChunkReceived(len(data))
	r.logger.Debug(fmt.Sprintf("chunk %d applied (%d/%d)", index, received, total))

	if uint32(received) == total {
		go func() {
			if err := r.finalize(); err != nil {
				r.logger.Error(err, "finalize failed")
			}
		}()
	}
}

// writeSequential writes data for index and marks it seen+applied. Caller
// holds r.mu.
func (r *Receiver) writeSequential(index uint32, data []byte) error {
	if _, err := r.writer.Write(data); err != nil {
		return err
	}
	r.seen[index] = struct{}{}
	r.nextExpectedIndex++
	return nil
}

// drainPending flushes any queued successors now reachable in ascending
// order. Caller holds r.mu.
func (r *Receiver) drainPending() {
	for {
		data, ok := r.pending[r.nextExpectedIndex]
		if !ok {
			return
		}
		delete(r.pending, r.nextExpectedIndex)
		idx := r.nextExpectedIndex
		if _, err := r.writer.Write(data); err != nil {
			// Surface on next tick via OnChunk path; keep index pending so
			// drain retries are idempotent (write not marked seen-advanced).
			r.pending[idx] = data
			return
		}
		r.nextExpectedIndex++
	}
}

// OnEnd is advisory only (spec.md §4.L on_end): assembly triggers from
// receivedCount == totalChunks, never from END.
func (r *Receiver) OnEnd() {
	r.logger.Debug(fmt.Sprintf("END received for %s (advisory)", r.transferID))
}

// Cancel idempotently tears down transfer state (spec.md §5
// Cancellation): closes any open file handle and removes partial
// artifacts.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	if r.cancelled || r.completed {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	writer := r.writer
	r.mu.Unlock()

	r.stopAckLoop()
	if writer != nil {
		writer.Close()
		writer.Remove()
	}
	r.logger.TransferCancelled(r.transferID)
	r.pub.PublishCancelled(r.transferID)
}

// fail aborts the transfer for an unrecoverable reason (spec.md §7
// Integrity-final): the partial artifact is removed and Error is
// published.
func (r *Receiver) fail(reason string) {
	r.mu.Lock()
	if r.cancelled || r.completed || r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	writer := r.writer
	r.mu.Unlock()

	r.stopAckLoop()
	if writer != nil {
		writer.Close()
		writer.Remove()
	}
	r.logger.TransferFailed(r.transferID, reason)
	r.metrics.RecordTransferComplete(false, time.Since(r.startTime).Seconds())
	r.pub.PublishError(r.transferID, reason)
}

// finalize assembles the final artifact, verifies its whole-file SHA-256
// against META, and publishes COMPLETE or a FATAL error (spec.md §4.L
// Finalization / I4).
func (r *Receiver) finalize() error {
	r.mu.Lock()
	if r.cancelled || r.completed || r.failed {
		r.mu.Unlock()
		return nil
	}
	if r.diskMode {
		// Drain any stragglers one more time before closing, in case the
		// last index to arrive filled a gap rather than extended the tail.
		r.drainPending()
	}
	diskMode := r.diskMode
	var handle ArtifactHandle
	var sortedKeys []uint32
	if !diskMode {
		sortedKeys = make([]uint32, 0, len(r.memBuf))
		for idx := range r.memBuf {
			sortedKeys = append(sortedKeys, idx)
		}
		sort.Slice(sortedKeys, func(i, j int) bool { return sortedKeys[i] < sortedKeys[j] })
	}
	writer := r.writer
	r.mu.Unlock()

	var sum string
	var err error
	if diskMode {
		if writer != nil {
			if ferr := writer.Flush(); ferr != nil {
				r.fail(fmt.Sprintf("flush failed: %v", ferr))
				return ferr
			}
			if cerr := writer.Close(); cerr != nil {
				r.fail(fmt.Sprintf("close failed: %v", cerr))
				return cerr
			}
		}
		path := ""
		if writer != nil {
			path = writer.Path()
		}
		handle = &diskArtifact{path: path}
		f, oerr := handle.OpenRead()
		if oerr != nil {
			r.fail(fmt.Sprintf("reopen for checksum failed: %v", oerr))
			return oerr
		}
		defer f.Close()
		sum, err = checksum.HashIncremental(f)
	} else {
		buf := make([]byte, 0, r.meta.Metadata.Size)
		r.mu.Lock()
		for _, idx := range sortedKeys {
			buf = append(buf, r.memBuf[idx]...)
		}
		r.mu.Unlock()
		sum = checksum.HashBytes(buf)
		handle = &memoryArtifact{data: buf}
	}
	if err != nil {
		r.fail(fmt.Sprintf("final hash failed: %v", err))
		return err
	}

	if sum != r.meta.Metadata.FileChecksum {
		handle.Release()
		r.fail(fmt.Sprintf("checksum mismatch: got %s want %s", sum, r.meta.Metadata.FileChecksum))
		return fmt.Errorf("receiver: final checksum mismatch for %s", r.transferID)
	}

	r.mu.Lock()
	r.completed = true
	elapsed := time.Since(r.startTime)
	r.mu.Unlock()

	var avgThroughput float64
	if elapsed.Seconds() > 0 {
		avgThroughput = float64(handle.Size()) / elapsed.Seconds()
	}
	r.logger.TransferCompleted(r.transferID, handle.Size(), elapsed, avgThroughput)
	r.metrics.RecordTransferComplete(true, elapsed.Seconds())
	r.pub.PublishComplete(r.transferID, handle, r.meta.Metadata.Name, handle.Size(), avgThroughput, elapsed.Seconds())

	time.AfterFunc(r.cfg.CompletionGraceWindow, func() {
		r.stopAckLoop()
		r.mu.Lock()
		r.seen = nil
		r.mu.Unlock()
	})
	return nil
}

// ackLoop periodically flushes the BatchAckManager and sends the result
// back to the sender (spec.md §4.G).
func (r *Receiver) ackLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.ackStop:
			r.flushAck()
			return
		case now := <-ticker.C:
			r.mu.Lock()
			due := r.ack != nil && r.ack.ShouldFlush(now)
			r.mu.Unlock()
			if due {
				r.flushAck()
			}
		}
	}
}

func (r *Receiver) flushAck() {
	r.mu.Lock()
	if r.ack == nil {
		r.mu.Unlock()
		return
	}
	pkt := r.ack.Flush(time.Now())
	r.mu.Unlock()
	if pkt == nil {
		return
	}
	frame, err := r.framer.EncodeBatchAck(pkt)
	if err != nil {
		r.logger.Error(err, "encode batch ack failed")
		return
	}
	if err := r.transport.SendToPeer(r.peerID, frame); err != nil {
		r.logger.Error(err, "send batch ack failed")
		return
	}
	encoding := "range"
	if pkt.Bitmap != nil {
		encoding = "bitmap"
	}
	r.metrics.RecordBatchAckFlush(encoding)
	r.logger.BatchAckFlushed(r.transferID, int(pkt.TotalAcks), encoding)
}

func (r *Receiver) stopAckLoop() {
	r.mu.Lock()
	stop := r.ackStop
	r.ackStop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
