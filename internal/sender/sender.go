// Package sender implements the Sender (spec.md §4.K): it orchestrates
// the streaming reader, checksum engine, adaptive sampler, chunk cache,
// AIMD window manager, error recovery manager and progress smoother to
// drive an AIMD-paced, retry-capable DATA stream for one transfer.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/strataflow/filepipe/internal/batchack"
	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/chunkcache"
	"github.com/strataflow/filepipe/internal/config"
	"github.com/strataflow/filepipe/internal/events"
	"github.com/strataflow/filepipe/internal/identity"
	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/preflight"
	wprogress "github.com/strataflow/filepipe/internal/progress"
	"github.com/strataflow/filepipe/internal/recovery"
	"github.com/strataflow/filepipe/internal/sampler"
	"github.com/strataflow/filepipe/internal/streamreader"
	"github.com/strataflow/filepipe/internal/wireproto"
	"github.com/strataflow/filepipe/internal/window"
)

// ErrAckTimeout marks a chunk's recovery-manager failure as an ack
// timeout rather than a transport error.
var ErrAckTimeout = errors.New("sender: ack timeout")

// Transport is the boundary API a Sender sends frames through
// (spec.md §6 send_to_peer: best-effort single-recipient datagram send).
type Transport interface {
	SendToPeer(peerID string, data []byte) error
}

type pendingRecord struct {
	data     []byte
	checksum string
	sentAt   time.Time
	timer    *time.Timer
}

// Sender drives one outbound transfer end to end.
type Sender struct {
	cfg       *config.Config
	transport Transport
	pub       *events.Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
	framer    *wireproto.Framer
	engine    *checksum.Engine

	ctx    context.Context
	cancel context.CancelFunc

	transferID string
	peerID     string
	name       string

	reader *streamreader.StreamingReader
	samp   *sampler.Sampler
	cache  *chunkcache.Cache
	win    *window.Manager
	recov  *recovery.Manager
	smooth *wprogress.Smoother

	mu          sync.Mutex
	nextIndex   uint32
	totalChunks uint32
	size        int64
	acked       map[uint32]struct{}
	pending     map[uint32]*pendingRecord
	paused      bool
	cancelled   bool
	completed   bool
	failed      bool
	startTime   time.Time
	bytesAcked  int64
}

// New constructs a Sender. engine is the process-shared ChecksumEngine
// worker pool (spec.md §5 Shared resources).
func New(cfg *config.Config, transport Transport, engine *checksum.Engine, pub *events.Publisher, logger *observability.Logger, metrics *observability.Metrics) *Sender {
	return &Sender{
		cfg:       cfg,
		transport: transport,
		engine:    engine,
		pub:       pub,
		logger:    logger,
		metrics:   metrics,
		framer:    wireproto.NewFramer(),
		acked:     make(map[uint32]struct{}),
		pending:   make(map[uint32]*pendingRecord),
	}
}

// Start pre-flights META over src and begins the send loop
// (spec.md §4.K start(transfer_id, file, chunk_size)).
func (s *Sender) Start(ctx context.Context, transferID, peerID, name string, src streamreader.Source, lastModified time.Time, openFile func() (io.Reader, error), id *identity.Identity) error {
	reader, err := streamreader.New(src, s.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.transferID = transferID
	s.peerID = peerID
	s.name = name
	s.reader = reader
	s.totalChunks = reader.TotalChunks()
	s.size = reader.Size()
	s.samp = sampler.New(s.totalChunks, s.size, nil)
	s.cache = chunkcache.New(s.cfg.CacheCapacityBytes)
	s.win = window.New(s.cfg.WindowMin, s.cfg.WindowMax, s.cfg.WindowInit)
	s.recov = recovery.New(s.cfg.BaseBackoff, s.cfg.MaxBackoff, s.cfg.BackoffMultiplier, s.cfg.MaxRetries)
	s.smooth = wprogress.New(
		0.2,
		wprogress.Targets{Progress: 0.05, Speed: 1 << 24, ETA: 5},
		wprogress.Targets{Progress: 0.001, Speed: 1024, ETA: 0.5},
		func(t wprogress.Targets) {
			s.pub.PublishProgress(s.transferID, t.Progress, t.Speed, t.ETA, s.bytesAckedSnapshot(), s.ackedCountSnapshot(), s.totalChunks, s.win.Cwnd())
		},
	)

	preflightIn := preflight.Input{
		TransferID:   transferID,
		Name:         name,
		LastModified: lastModified,
		ChunkSize:    s.cfg.ChunkSize,
		TotalChunks:  s.totalChunks,
	}
	meta, err := preflight.Build(preflightIn, openFile, reader)
	if err != nil {
		return fmt.Errorf("sender: preflight: %w", err)
	}
	if id != nil {
		meta.SignerPublicKey = id.Public
		meta.Signature = id.Sign(wireproto.CanonicalMetaBytes(meta))
	}
	frame, err := s.framer.EncodeMeta(meta)
	if err != nil {
		return fmt.Errorf("sender: encode meta: %w", err)
	}
	if err := s.transport.SendToPeer(peerID, frame); err != nil {
		return fmt.Errorf("sender: send meta: %w", err)
	}

	s.startTime = time.Now()
	s.logger.TransferStarted(transferID, name, s.size, s.totalChunks)
	s.metrics.RecordTransferStart()
	s.pub.PublishPreflightReady(transferID, meta)

	go s.smooth.Run()
	s.pump()
	return nil
}

// Pause suspends admission of new chunks; in-flight chunks continue to be
// ACKed.
func (s *Sender) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-admits new chunks.
func (s *Sender) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.pump()
}

// Cancel terminates the transfer, idempotently (spec.md §5 Cancellation).
func (s *Sender) Cancel() {
	s.mu.Lock()
	if s.cancelled || s.completed {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	for _, rec := range s.pending {
		rec.timer.Stop()
	}
	s.pending = make(map[uint32]*pendingRecord)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cache.Clear()
	s.recov.Clear()
	s.smooth.Stop()
	s.logger.TransferCancelled(s.transferID)
	s.pub.PublishCancelled(s.transferID)
}

// OnAck records an ACK for chunkIndex: frees its cache+pending records,
// signals the window manager with the observed RTT, and admits further
// chunks. Duplicate ACKs are idempotent (L4).
func (s *Sender) OnAck(chunkIndex uint32) {
	s.mu.Lock()
	if s.cancelled || s.completed {
		s.mu.Unlock()
		return
	}
	if _, already := s.acked[chunkIndex]; already {
		s.mu.Unlock()
		return
	}

	var rtt time.Duration
	if rec, ok := s.pending[chunkIndex]; ok {
		rec.timer.Stop()
		rtt = time.Since(rec.sentAt)
		s.bytesAcked += int64(len(rec.data))
		delete(s.pending, chunkIndex)
	} else {
		rtt = s.win.MeanRTT()
	}
	s.acked[chunkIndex] = struct{}{}
	ackedCount := len(s.acked)
	s.mu.Unlock()

	s.cache.Evict(chunkIndex)
	s.recov.RecordSuccess(chunkIndex)
	s.win.OnAck(rtt)
	s.logger.WindowTransition(s.transferID, s.win.GetPhase().String(), s.win.Cwnd(), s.win.Ssthresh())
	s.updateProgressTarget(ackedCount)
	s.pump()
}

// OnBatchAck decodes a BATCH_ACK packet and applies OnAck per index
// (spec.md §4.K on_batch_ack).
func (s *Sender) OnBatchAck(batch *wireproto.BatchAckPacket) error {
	indices, err := batchack.Decode(batch)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		s.OnAck(idx)
	}
	return nil
}

// OnReceiverComplete is the terminal success signal from the receiver
// (spec.md §4.K on_receiver_complete).
func (s *Sender) OnReceiverComplete() {
	s.mu.Lock()
	if s.cancelled || s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	elapsed := time.Since(s.startTime)
	size := s.size
	s.mu.Unlock()

	s.smooth.Stop()
	var avgThroughput float64
	if elapsed.Seconds() > 0 {
		avgThroughput = float64(size) / elapsed.Seconds()
	}
	s.logger.TransferCompleted(s.transferID, size, elapsed, avgThroughput)
	s.metrics.RecordTransferComplete(true, elapsed.Seconds())
	s.pub.PublishComplete(s.transferID, nil, s.name, size, avgThroughput, elapsed.Seconds())
}

// fail aborts the transfer for an unrecoverable reason (spec.md §7
// Fatal-chunk / Integrity-final on the sender side).
func (s *Sender) fail(reason string) {
	s.mu.Lock()
	if s.cancelled || s.completed || s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	for _, rec := range s.pending {
		rec.timer.Stop()
	}
	s.pending = make(map[uint32]*pendingRecord)
	elapsed := time.Since(s.startTime)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.cache.Clear()
	s.smooth.Stop()
	s.logger.TransferFailed(s.transferID, reason)
	s.metrics.RecordTransferComplete(false, elapsed.Seconds())
	s.pub.PublishError(s.transferID, reason)
}

// pump admits chunks up to the current window size, in ascending index
// order for first-send attempts (spec.md §4.K send-loop contract).
func (s *Sender) pump() {
	for {
		s.mu.Lock()
		if s.paused || s.cancelled || s.completed || s.failed {
			s.mu.Unlock()
			return
		}
		if len(s.pending) >= s.win.Cwnd() || s.nextIndex >= s.totalChunks {
			s.mu.Unlock()
			return
		}
		idx := s.nextIndex
		s.nextIndex++
		if _, done := s.acked[idx]; done {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		s.emit(idx, false, 0)
	}
}

// emit frames and transmits chunk idx, arming its ack timeout.
func (s *Sender) emit(idx uint32, isRetry bool, attempt int) {
	data, err := s.chunkData(idx, isRetry)
	if err != nil || data == nil {
		return
	}

	var ck string
	if s.samp.IsSampled(idx) {
		if sum, err := s.engine.HashOneShot(s.ctx, data); err == nil {
			ck = sum
		}
	}

	pkt := &wireproto.DataPacket{TransferID: s.transferID, ChunkIndex: idx, Checksum: ck, Data: data}
	frame, err := s.framer.EncodeData(pkt)
	if err != nil {
		return
	}

	s.cache.Put(idx, data)
	timer := time.AfterFunc(s.cfg.AckTimeout, func() { s.onTimeout(idx) })

	s.mu.Lock()
	if s.cancelled || s.completed || s.failed {
		s.mu.Unlock()
		timer.Stop()
		return
	}
	s.pending[idx] = &pendingRecord{data: data, checksum: ck, sentAt: time.Now(), timer: timer}
	s.mu.Unlock()

	if err := s.transport.SendToPeer(s.peerID, frame); err != nil {
		// Transport error: window is left unchanged; the ack timeout will
		// drive the retry path (spec.md §7 Transport).
		s.logger.Error(err, fmt.Sprintf("send failed for chunk %d", idx))
		return
	}

	s.metrics.RecordChunkSent(len(data))
	s.logger.ChunkSent(s.transferID, idx, len(data), ck != "")
	if isRetry {
		s.logger.ChunkRetransmitted(s.transferID, idx, attempt, s.cfg.AckTimeout)
	}
}

// chunkData reads chunk idx, preferring the cache on retry to avoid
// re-reading the source file (spec.md §4.E / §4.K).
func (s *Sender) chunkData(idx uint32, isRetry bool) ([]byte, error) {
	if isRetry {
		if data, ok := s.cache.Get(idx); ok {
			return data, nil
		}
	}
	return s.reader.ReadChunk(idx)
}

// onTimeout handles an unacknowledged chunk's ack timeout: consults the
// ErrorRecoveryManager and either retransmits after backoff or declares
// the chunk fatal.
func (s *Sender) onTimeout(idx uint32) {
	s.mu.Lock()
	_, stillPending := s.pending[idx]
	if !stillPending || s.cancelled || s.completed || s.failed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, idx)
	s.mu.Unlock()

	delay, fatal := s.recov.RecordFailure(idx, ErrAckTimeout)
	if fatal {
		s.fail(fmt.Sprintf("chunk %d exceeded max retries", idx))
		return
	}

	s.win.OnTimeout()
	s.metrics.WindowTimeouts.Inc()
	s.logger.WindowTransition(s.transferID, s.win.GetPhase().String(), s.win.Cwnd(), s.win.Ssthresh())

	if rec2, ok := s.recov.Get(idx); ok {
		time.AfterFunc(delay, func() {
			s.retransmit(idx, rec2.Attempts)
		})
	}
}

// retransmit re-emits idx after a backoff delay, unless the transfer has
// moved on.
func (s *Sender) retransmit(idx uint32, attempt int) {
	s.mu.Lock()
	if s.cancelled || s.completed || s.failed {
		s.mu.Unlock()
		return
	}
	if _, acked := s.acked[idx]; acked {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(idx, true, attempt)
}

func (s *Sender) updateProgressTarget(ackedCount int) {
	if s.totalChunks == 0 {
		s.smooth.SetTarget(wprogress.Targets{Progress: 1, Speed: 0, ETA: 0})
		return
	}
	progress := float64(ackedCount) / float64(s.totalChunks)
	elapsed := time.Since(s.startTime).Seconds()
	bytesAcked := s.bytesAckedSnapshot()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytesAcked) / elapsed
	}
	var eta float64
	if speed > 0 {
		remaining := s.size - bytesAcked
		if remaining > 0 {
			eta = float64(remaining) / speed
		}
	}
	s.smooth.SetTarget(wprogress.Targets{Progress: progress, Speed: speed, ETA: eta})
}

func (s *Sender) bytesAckedSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAcked
}

func (s *Sender) ackedCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acked)
}
