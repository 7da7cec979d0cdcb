package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithTransfer adds transfer_id context to logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("transfer_id", transferID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(name string, size int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_name", name).
			Int64("file_size", size).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// TransferStarted logs transfer start, sender or receiver side.
func (l *Logger) TransferStarted(transferID, fileName string, fileSize int64, totalChunks uint32) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("file_name", fileName).
		Int64("file_size", fileSize).
		Uint32("total_chunks", totalChunks).
		Msg("transfer started")
}

// ChunkSent logs a single DATA emission.
func (l *Logger) ChunkSent(transferID string, chunkIndex uint32, size int, sampled bool) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Int("chunk_size", size).
		Bool("sampled", sampled).
		Msg("chunk sent")
}

// ChunkRetransmitted logs a retry emission for a chunk.
func (l *Logger) ChunkRetransmitted(transferID string, chunkIndex uint32, attempt int, delay time.Duration) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("chunk retransmitted")
}

// ChunkDropped logs a silently-dropped inbound chunk (validation or
// integrity failure, spec §7 — no ACK follows).
func (l *Logger) ChunkDropped(transferID string, chunkIndex uint32, reason string) {
	l.logger.Warn().
		Str("transfer_id", transferID).
		Uint32("chunk_index", chunkIndex).
		Str("reason", reason).
		Msg("chunk dropped")
}

// WindowTransition logs an AIMD phase change.
func (l *Logger) WindowTransition(transferID, phase string, cwnd, ssthresh int) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Str("phase", phase).
		Int("cwnd", cwnd).
		Int("ssthresh", ssthresh).
		Msg("window transition")
}

// BatchAckFlushed logs a BatchAckManager flush.
func (l *Logger) BatchAckFlushed(transferID string, count int, encoding string) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Int("acked_count", count).
		Str("encoding", encoding).
		Msg("batch ack flushed")
}

// TransferProgress logs periodic progress.
func (l *Logger) TransferProgress(transferID string, chunksDone int, totalChunks uint32, bytesPerSec float64, elapsed time.Duration) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int("chunks_done", chunksDone).
		Uint32("total_chunks", totalChunks).
		Float64("bytes_per_sec", bytesPerSec).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferCompleted logs successful completion.
func (l *Logger) TransferCompleted(transferID string, fileSize int64, duration time.Duration, avgThroughput float64) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Float64("average_throughput", avgThroughput).
		Msg("transfer completed")
}

// TransferFailed logs a fatal or integrity-final failure.
func (l *Logger) TransferFailed(transferID, reason string) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Str("reason", reason).
		Msg("transfer failed")
}

// TransferCancelled logs a user-initiated cancellation.
func (l *Logger) TransferCancelled(transferID string) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Msg("transfer cancelled")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
