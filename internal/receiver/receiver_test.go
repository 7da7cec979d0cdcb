package receiver

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/config"
	"github.com/strataflow/filepipe/internal/events"
	"github.com/strataflow/filepipe/internal/identity"
	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/wireproto"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) SendToPeer(peerID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) batchAcks(framer *wireproto.Framer) []*wireproto.BatchAckPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wireproto.BatchAckPacket
	for _, fr := range f.frames {
		if t, err := framer.PeekType(fr); err == nil && t == wireproto.PacketBatchAck {
			p, err := framer.DecodeBatchAck(fr)
			if err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

var (
	sharedMetrics     *observability.Metrics
	sharedMetricsOnce sync.Once
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = observability.NewMetrics() })
	return sharedMetrics
}

func testLogger() *observability.Logger {
	return observability.NewLogger("filepipe-test", "test", bytes.NewBuffer(nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.CompletionGraceWindow = 50 * time.Millisecond
	return cfg
}

func memOpenFile(t *testing.T) OpenAppendFile {
	t.Helper()
	return func(name string) (FileWriter, error) {
		t.Fatalf("unexpected disk-mode open of %q in a memory-mode test", name)
		return nil, nil
	}
}

func diskOpenFile(t *testing.T) OpenAppendFile {
	t.Helper()
	dir := t.TempDir()
	return func(name string) (FileWriter, error) {
		return NewLocalFileWriter(filepath.Join(dir, name))
	}
}

func newTestReceiver(t *testing.T, transport *fakeTransport, cfg *config.Config, openFile OpenAppendFile) (*Receiver, *events.Publisher) {
	t.Helper()
	return newTestReceiverWithTrust(t, transport, cfg, openFile, nil)
}

func newTestReceiverWithTrust(t *testing.T, transport *fakeTransport, cfg *config.Config, openFile OpenAppendFile, trust *identity.TrustStore) (*Receiver, *events.Publisher) {
	t.Helper()
	engine := checksum.NewEngine(1, 2)
	t.Cleanup(engine.Close)
	pub := events.NewPublisher(16)
	r := New(cfg, transport, engine, openFile, pub, testLogger(), testMetrics(), trust)
	return r, pub
}

func buildMeta(transferID string, content []byte, chunkSize int) *wireproto.MetaPacket {
	total := uint32((len(content) + chunkSize - 1) / chunkSize)
	if len(content) == 0 {
		total = 0
	}
	return &wireproto.MetaPacket{
		TransferID: transferID,
		Metadata: wireproto.FileMetadata{
			Name:         "file.bin",
			Mime:         "application/octet-stream",
			Size:         uint64(len(content)),
			FileChecksum: checksum.HashBytes(content),
			TotalChunks:  total,
			ChunkSize:    uint32(chunkSize),
		},
	}
}

func chunkBounds(content []byte, chunkSize, index int) []byte {
	start := index * chunkSize
	end := start + chunkSize
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}

func waitForEvent(t *testing.T, sub *events.Subscription, want events.EventType, timeout time.Duration) *events.TransferEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Channel:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %v", want)
		}
	}
}

func TestMemoryModeAssemblesInOrderAndCompletes(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, pub := newTestReceiver(t, transport, cfg, memOpenFile(t))
	sub := pub.Subscribe("")

	content := bytes.Repeat([]byte("x"), 10) // chunkSize 4 -> 3 chunks
	meta := buildMeta("t1", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	framer := wireproto.NewFramer()
	// Deliver out of order: 2, 0, 1.
	for _, idx := range []uint32{2, 0, 1} {
		data := chunkBounds(content, 4, int(idx))
		frame, err := framer.EncodeData(&wireproto.DataPacket{TransferID: "t1", ChunkIndex: idx, Data: data})
		require.NoError(t, err)
		r.OnChunk(frame)
	}

	ev := waitForEvent(t, sub, events.EventComplete, time.Second)
	require.Equal(t, "file.bin", ev.Name)
	require.Equal(t, int64(len(content)), ev.Size)

	handle, ok := ev.Handle.(ArtifactHandle)
	require.True(t, ok)
	rc, err := handle.OpenRead()
	require.NoError(t, err)
	defer rc.Close()
	got := make([]byte, len(content))
	_, err = rc.Read(got)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDiskModeSequencesOutOfOrderChunks(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	cfg.DiskThresholdBytes = 0 // force disk mode regardless of size
	r, pub := newTestReceiver(t, transport, cfg, diskOpenFile(t))
	sub := pub.Subscribe("")

	content := bytes.Repeat([]byte("y"), 9) // chunkSize 4 -> chunks of 4,4,1
	meta := buildMeta("t2", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	framer := wireproto.NewFramer()
	for _, idx := range []uint32{1, 2, 0} {
		data := chunkBounds(content, 4, int(idx))
		frame, err := framer.EncodeData(&wireproto.DataPacket{TransferID: "t2", ChunkIndex: idx, Data: data})
		require.NoError(t, err)
		r.OnChunk(frame)
	}

	ev := waitForEvent(t, sub, events.EventComplete, time.Second)
	handle := ev.Handle.(ArtifactHandle)
	rc, err := handle.OpenRead()
	require.NoError(t, err)
	defer rc.Close()
	got := make([]byte, len(content))
	_, err = rc.Read(got)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestOnChunkDropsBadChecksumWithoutApplying(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, pub := newTestReceiver(t, transport, cfg, memOpenFile(t))
	sub := pub.Subscribe("")

	content := bytes.Repeat([]byte("z"), 4)
	meta := buildMeta("t3", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))
	// InitTransfer itself publishes ASSEMBLING; consume it first.
	waitForEvent(t, sub, events.EventAssembling, time.Second)

	framer := wireproto.NewFramer()
	frame, err := framer.EncodeData(&wireproto.DataPacket{
		TransferID: "t3", ChunkIndex: 0, Data: content, Checksum: "deadbeef",
	})
	require.NoError(t, err)
	r.OnChunk(frame)

	select {
	case ev := <-sub.Channel:
		t.Fatalf("expected no event yet, got %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, r.seen)
}

func TestDuplicateChunkIsAckedNotReapplied(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, pub := newTestReceiver(t, transport, cfg, memOpenFile(t))
	sub := pub.Subscribe("")

	content := bytes.Repeat([]byte("a"), 8) // 2 chunks
	meta := buildMeta("t4", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	framer := wireproto.NewFramer()
	frame0, _ := framer.EncodeData(&wireproto.DataPacket{TransferID: "t4", ChunkIndex: 0, Data: chunkBounds(content, 4, 0)})
	r.OnChunk(frame0)
	r.OnChunk(frame0) // duplicate before completion

	require.Len(t, r.seen, 1)

	frame1, _ := framer.EncodeData(&wireproto.DataPacket{TransferID: "t4", ChunkIndex: 1, Data: chunkBounds(content, 4, 1)})
	r.OnChunk(frame1)

	waitForEvent(t, sub, events.EventComplete, time.Second)
}

func TestZeroChunkTransferFinalizesImmediately(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, pub := newTestReceiver(t, transport, cfg, memOpenFile(t))
	sub := pub.Subscribe("")

	meta := buildMeta("t5", []byte{}, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	ev := waitForEvent(t, sub, events.EventComplete, time.Second)
	require.Equal(t, int64(0), ev.Size)
}

func TestFinalizationChecksumMismatchPublishesErrorAndRemovesArtifact(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	cfg.DiskThresholdBytes = 0
	r, pub := newTestReceiver(t, transport, cfg, diskOpenFile(t))
	sub := pub.Subscribe("")

	content := bytes.Repeat([]byte("b"), 4)
	meta := buildMeta("t6", content, 4)
	meta.Metadata.FileChecksum = "0000000000000000000000000000000000000000000000000000000000000000"
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	framer := wireproto.NewFramer()
	frame, _ := framer.EncodeData(&wireproto.DataPacket{TransferID: "t6", ChunkIndex: 0, Data: content})
	r.OnChunk(frame)

	ev := waitForEvent(t, sub, events.EventError, time.Second)
	require.Contains(t, ev.Message, "checksum mismatch")

	r.mu.Lock()
	path := ""
	if r.writer != nil {
		path = r.writer.Path()
	}
	r.mu.Unlock()
	if path != "" {
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr))
	}
}

func TestCancelIsIdempotentAndRemovesDiskArtifact(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	cfg.DiskThresholdBytes = 0
	r, _ := newTestReceiver(t, transport, cfg, diskOpenFile(t))

	content := bytes.Repeat([]byte("c"), 8)
	meta := buildMeta("t7", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	path := r.writer.Path()
	r.Cancel()
	r.Cancel() // idempotent

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestBatchAckIsSentBackToSender(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, _ := newTestReceiver(t, transport, cfg, memOpenFile(t))

	content := bytes.Repeat([]byte("d"), 8)
	meta := buildMeta("t8", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))

	framer := wireproto.NewFramer()
	frame0, _ := framer.EncodeData(&wireproto.DataPacket{TransferID: "t8", ChunkIndex: 0, Data: chunkBounds(content, 4, 0)})
	r.OnChunk(frame0)

	require.Eventually(t, func() bool {
		return len(transport.batchAcks(framer)) > 0
	}, time.Second, 5*time.Millisecond)
}

func signedMeta(t *testing.T, id *identity.Identity, transferID string, content []byte, chunkSize int) *wireproto.MetaPacket {
	t.Helper()
	meta := buildMeta(transferID, content, chunkSize)
	meta.SignerPublicKey = id.Public
	meta.Signature = id.Sign(wireproto.CanonicalMetaBytes(meta))
	return meta
}

func TestInitTransferAcceptsValidSignatureWhenTrustConfigured(t *testing.T) {
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	transport := &fakeTransport{}
	cfg := testConfig()
	r, _ := newTestReceiverWithTrust(t, transport, cfg, memOpenFile(t), identity.NewTrustStore())

	content := bytes.Repeat([]byte("e"), 8)
	meta := signedMeta(t, id, "t9", content, 4)
	require.NoError(t, r.InitTransfer(meta, "peer-1"))
}

func TestInitTransferRejectsMissingSignatureWhenTrustConfigured(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig()
	r, _ := newTestReceiverWithTrust(t, transport, cfg, memOpenFile(t), identity.NewTrustStore())

	content := bytes.Repeat([]byte("f"), 8)
	meta := buildMeta("t10", content, 4) // unsigned
	err := r.InitTransfer(meta, "peer-1")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestInitTransferRejectsKeyChangeAfterFirstContact(t *testing.T) {
	idA, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)
	idB, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	trust := identity.NewTrustStore()
	transport := &fakeTransport{}
	cfg := testConfig()

	content := bytes.Repeat([]byte("g"), 8)
	r1, _ := newTestReceiverWithTrust(t, transport, cfg, memOpenFile(t), trust)
	require.NoError(t, r1.InitTransfer(signedMeta(t, idA, "t11", content, 4), "peer-a"))

	r2, _ := newTestReceiverWithTrust(t, transport, cfg, memOpenFile(t), trust)
	err = r2.InitTransfer(signedMeta(t, idB, "t12", content, 4), "peer-a")
	require.ErrorIs(t, err, identity.ErrVerificationFailed)
}
