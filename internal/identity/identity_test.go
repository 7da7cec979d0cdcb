package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesOnFirstUse(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id.Private)
	require.NotEmpty(t, id.Public)

	require.FileExists(t, filepath.Join(dir, "id_ed25519"))
	require.FileExists(t, filepath.Join(dir, "id_ed25519.pub"))
}

func TestLoadOrCreateIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.Equal(t, []byte(first.Public), []byte(second.Public))
	require.Equal(t, []byte(first.Private), []byte(second.Private))
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	msg := []byte("transfer-id:abc123|checksum:deadbeef")
	sig := id.Sign(msg)

	require.NoError(t, Verify(id.Public, msg, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	msg := []byte("transfer-id:abc123|checksum:deadbeef")
	sig := id.Sign(msg)

	err = Verify(id.Public, []byte("transfer-id:abc123|checksum:tampered"), sig)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	idA, err := LoadOrCreate(dirA)
	require.NoError(t, err)
	idB, err := LoadOrCreate(dirB)
	require.NoError(t, err)

	msg := []byte("payload")
	sig := idA.Sign(msg)

	require.ErrorIs(t, Verify(idB.Public, msg, sig), ErrVerificationFailed)
}

func TestPublicKeyStringRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	encoded := PublicKeyString(id.Public)
	decoded, err := ParsePublicKey(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte(id.Public), []byte(decoded))
}

func TestParsePublicKeyRejectsWrongSize(t *testing.T) {
	_, err := ParsePublicKey("dG9vc2hvcnQ=")
	require.Error(t, err)
}

func TestTrustStoreAcceptsFirstContactAndMatchingFollowUp(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	store := NewTrustStore()
	msg := []byte("transfer-1")
	sig := id.Sign(msg)

	require.NoError(t, store.Verify("peer-a", id.Public, msg, sig))
	require.NoError(t, store.Verify("peer-a", id.Public, msg, sig))
}

func TestTrustStoreRejectsKeyChangeForSamePeer(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	idA, err := LoadOrCreate(dirA)
	require.NoError(t, err)
	idB, err := LoadOrCreate(dirB)
	require.NoError(t, err)

	store := NewTrustStore()
	msg := []byte("transfer-1")

	require.NoError(t, store.Verify("peer-a", idA.Public, msg, idA.Sign(msg)))
	err = store.Verify("peer-a", idB.Public, msg, idB.Sign(msg))
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestTrustStoreRejectsMissingSignature(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	store := NewTrustStore()
	err = store.Verify("peer-a", id.Public, []byte("transfer-1"), nil)
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestTrustStoreDistinctPeersPinIndependently(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	idA, err := LoadOrCreate(dirA)
	require.NoError(t, err)
	idB, err := LoadOrCreate(dirB)
	require.NoError(t, err)

	store := NewTrustStore()
	msg := []byte("transfer-1")

	require.NoError(t, store.Verify("peer-a", idA.Public, msg, idA.Sign(msg)))
	require.NoError(t, store.Verify("peer-b", idB.Public, msg, idB.Sign(msg)))
}
