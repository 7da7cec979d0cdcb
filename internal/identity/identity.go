// Package identity manages the daemon's Ed25519 keypair and the
// signing/verification of META packets (spec.md §3 domain stack: this is
// authentication of the preflight packet, not payload encryption, so it
// does not trip the "no encryption beyond the integrity hash" Non-goal).
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

var ErrVerificationFailed = errors.New("identity: signature verification failed")

// DefaultPaths returns the default private/public key paths under
// ~/.filepipe.
func DefaultPaths() (privPath, pubPath string, err error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h, ".filepipe")
	return filepath.Join(dir, "id_ed25519"), filepath.Join(dir, "id_ed25519.pub"), nil
}

// Identity holds a loaded or generated Ed25519 keypair.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// LoadOrCreate loads the Ed25519 keypair from keyDir, generating and
// persisting a new one if none exists yet.
func LoadOrCreate(keyDir string) (*Identity, error) {
	privPath, pubPath, err := pathsFor(keyDir)
	if err != nil {
		return nil, err
	}

	priv, pub, err := load(privPath, pubPath)
	if err == nil {
		return &Identity{Private: priv, Public: pub}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return nil, err
	}
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := writeKeyFiles(privPath, pubPath, priv, pub); err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Public: pub}, nil
}

func pathsFor(keyDir string) (privPath, pubPath string, err error) {
	if keyDir == "" {
		return DefaultPaths()
	}
	return filepath.Join(keyDir, "id_ed25519"), filepath.Join(keyDir, "id_ed25519.pub"), nil
}

// Sign signs the canonical bytes of a META packet (the caller is
// responsible for producing a stable, deterministic encoding).
func (id *Identity) Sign(canonical []byte) []byte {
	return ed25519.Sign(id.Private, canonical)
}

// Verify checks a META packet signature against a known or
// first-seen-trust-on-first-use public key.
func Verify(pub ed25519.PublicKey, canonical, signature []byte) error {
	if !ed25519.Verify(pub, canonical, signature) {
		return ErrVerificationFailed
	}
	return nil
}

// TrustStore enforces trust-on-first-use verification of META packet
// signatures across a daemon's lifetime: the first signature seen from a
// peerID pins that peer's public key, and every later packet from the same
// peerID must carry a matching key and a valid signature.
type TrustStore struct {
	mu    sync.Mutex
	known map[string]ed25519.PublicKey
}

// NewTrustStore constructs an empty TrustStore.
func NewTrustStore() *TrustStore {
	return &TrustStore{known: make(map[string]ed25519.PublicKey)}
}

// Verify checks canonical/signature against pub, pinning pub to peerID on
// first contact and rejecting any later packet from peerID bearing a
// different key.
func (t *TrustStore) Verify(peerID string, pub ed25519.PublicKey, canonical, signature []byte) error {
	if len(signature) == 0 || len(pub) != ed25519.PublicKeySize {
		return ErrVerificationFailed
	}

	t.mu.Lock()
	known, seen := t.known[peerID]
	if !seen {
		t.known[peerID] = append(ed25519.PublicKey(nil), pub...)
	}
	t.mu.Unlock()

	if seen && !bytes.Equal(known, pub) {
		return fmt.Errorf("identity: public key for peer %q changed since first contact: %w", peerID, ErrVerificationFailed)
	}
	return Verify(pub, canonical, signature)
}

// PublicKeyString base64-encodes a public key for wire/log transport.
func PublicKeyString(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes a base64-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	dec, err := base64.StdEncoding.DecodeString(trimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("identity: invalid public key encoding: %w", err)
	}
	if len(dec) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key has wrong size %d", len(dec))
	}
	return ed25519.PublicKey(dec), nil
}

func load(privPath, pubPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pbytes, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	ubytes, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	priv, err := decodeKey(pbytes)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid private key: %w", err)
	}
	pub, err := ParsePublicKey(string(ubytes))
	if err != nil {
		return nil, nil, err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("bad private key size")
	}
	return priv, pub, nil
}

func writeKeyFiles(privPath, pubPath string, priv ed25519.PrivateKey, pub ed25519.PublicKey) error {
	if err := os.WriteFile(privPath, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(pubPath, []byte(PublicKeyString(pub)), 0o644); err != nil {
		return err
	}
	return nil
}

func decodeKey(b []byte) (ed25519.PrivateKey, error) {
	dec, err := base64.StdEncoding.DecodeString(trimSpace(string(b)))
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(dec), nil
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && isSpace(s[i]) {
		i++
	}
	for j > i && isSpace(s[j-1]) {
		j--
	}
	return s[i:j]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}
