// Command filepiped is the transfer daemon: it wires the TransferManager,
// the QUIC peer transport, and the observability HTTP surface together,
// optionally dialing one peer to push a file before settling into
// steady-state serving. Grounded on the teacher's daemon/main.go wiring
// order (observability first, then config, then the protocol stack, then
// the accept loop and API surface, then a signal-driven shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/strataflow/filepipe/internal/checksum"
	"github.com/strataflow/filepipe/internal/config"
	"github.com/strataflow/filepipe/internal/events"
	"github.com/strataflow/filepipe/internal/identity"
	"github.com/strataflow/filepipe/internal/observability"
	"github.com/strataflow/filepipe/internal/peertransport"
	"github.com/strataflow/filepipe/internal/quicutil"
	"github.com/strataflow/filepipe/internal/receiver"
	"github.com/strataflow/filepipe/internal/streamreader"
	"github.com/strataflow/filepipe/internal/transfer"
)

func main() {
	quicAddr := flag.String("quic-addr", ":4433", "QUIC listener address")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address (/metrics, /health, /debug/pprof)")
	keysDir := flag.String("keys-dir", "", "Directory holding the Ed25519 identity keypair (default ~/.filepipe)")
	auditDBPath := flag.String("audit-db", "./filepipe-audit.db", "Path to the terminal-outcome audit log SQLite file")
	outputDir := flag.String("output-dir", "./received", "Directory received files are written into")

	sendPath := flag.String("send", "", "If set, push this file to -peer-addr once at startup")
	peerAddr := flag.String("peer-addr", "", "QUIC address of the peer to dial when -send is set")
	selfID := flag.String("self-id", "", "This process's peer identity announced to peers it dials (default: hostname)")
	peerID := flag.String("peer-id", "remote", "Identifier to register the dialed peer under")
	flag.Parse()

	logger := observability.NewLogger("filepiped", "0.1.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("0.1.0")

	if shutdown, err := observability.InitTracing(context.Background(), "filepiped"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("filepiped starting")

	cfg := config.DefaultConfig()
	cfg.QUICAddress = *quicAddr
	cfg.KeysDirectory = *keysDir
	cfg.AuditDBPath = *auditDBPath
	cfg.Clamp()

	id, err := identity.LoadOrCreate(cfg.KeysDirectory)
	if err != nil {
		logger.Error(err, "failed to load or create identity")
		os.Exit(1)
	}
	logger.Info("identity loaded: " + identity.PublicKeyString(id.Public))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		logger.Error(err, "failed to create output directory")
		os.Exit(1)
	}

	engine := checksum.NewEngine(cfg.HashPoolMin, cfg.HashPoolMax)
	defer engine.Close()

	pub := events.NewPublisher(cfg.EventBufferSize)

	audit, err := transfer.OpenAuditLog(cfg.AuditDBPath)
	if err != nil {
		logger.Error(err, "failed to open audit log")
		os.Exit(1)
	}
	defer audit.Close()

	openFile := func(name string) (receiver.FileWriter, error) {
		return receiver.NewLocalFileWriter(filepath.Join(*outputDir, filepath.Base(name)))
	}

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Error(err, "failed to generate TLS certificate")
		os.Exit(1)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Error(err, "failed to build TLS config")
		os.Exit(1)
	}
	tlsConfig.NextProtos = []string{"filepipe"}
	clientTLSConfig := quicutil.MakeClientTLSConfig()
	clientTLSConfig.NextProtos = []string{"filepipe"}

	trust := identity.NewTrustStore()
	mgr := transfer.NewManager(cfg, nil, engine, openFile, pub, logger, metrics, audit, trust)
	pt := peertransport.New(tlsConfig, mgr, logger, cfg.PeerSendRateBytesPerSec, cfg.PeerSendBurstBytes)
	mgr.SetTransport(pt)

	addr, err := pt.Listen(cfg.QUICAddress)
	if err != nil {
		logger.Error(err, "failed to start QUIC listener")
		os.Exit(1)
	}
	logger.Info("QUIC listener started on " + addr)

	health.RegisterCheck("identity", observability.IdentityCheck(true))
	health.RegisterCheck("peer_transport", observability.PeerTransportCheck(addr))
	health.RegisterCheck("transfer_manager", observability.TransferManagerCheck(mgr.ActiveCount))

	go startObservabilityServer(*observAddr, metrics, health, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := pt.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error(err, "peer transport accept loop exited")
		}
	}()

	if *sendPath != "" {
		if *peerAddr == "" {
			logger.Error(fmt.Errorf("missing -peer-addr"), "cannot -send without -peer-addr")
			os.Exit(1)
		}
		go sendOnce(ctx, pt, mgr, id, *sendPath, *peerAddr, *selfID, *peerID, logger)
	}

	logger.Info("filepiped running; press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	pt.Close()
	logger.Info("filepiped stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

func sendOnce(ctx context.Context, pt *peertransport.Transport, mgr *transfer.Manager, id *identity.Identity, path, peerAddr, selfID, peerID string, logger *observability.Logger) {
	if selfID == "" {
		selfID, _ = os.Hostname()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pt.Dial(dialCtx, peerAddr, selfID, peerID); err != nil {
		logger.Error(err, "dial failed")
		return
	}

	src, err := streamreader.OpenFile(path)
	if err != nil {
		logger.Error(err, "failed to open file to send")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error(err, "failed to stat file to send")
		return
	}

	opener := func() (io.Reader, error) { return os.Open(path) }
	transferID, err := mgr.Start(ctx, peerID, filepath.Base(path), src, info.ModTime(), opener, id)
	if err != nil {
		logger.Error(err, "failed to start transfer")
		return
	}
	logger.Info("transfer started: " + transferID)
}
