package checksum

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScenario1SmallExactDigest(t *testing.T) {
	got := HashBytes([]byte("abcdef"))
	require.Equal(t, "bef57ec7f53a6d40beb640a780a639c83bc29ac8a9816f1fc6c5c6dcd93c4721", got)
}

func TestScenario2OneChunkBoundaryDigest(t *testing.T) {
	data := make([]byte, 1024)
	got, err := HashIncremental(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "5f70bf18a086007016e948b04aed3b82103a36bea41755b6cddfaf10ace3c6ef", got)
}

func TestHashOneShotMatchesHashBytes(t *testing.T) {
	e := NewEngine(2, 8)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := []byte("the quick brown fox")
	got, err := e.HashOneShot(ctx, data)
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), got)
}

func TestHashOneShotConcurrent(t *testing.T) {
	e := NewEngine(2, 4)
	defer e.Close()

	ctx := context.Background()
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func(n int) {
			buf := bytes.Repeat([]byte{byte(n)}, 16)
			got, err := e.HashOneShot(ctx, buf)
			if err != nil {
				errs <- err
				return
			}
			if got != HashBytes(buf) {
				errs <- require.AnError
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, <-errs)
	}
}

func TestHashOneShotCtxCancelled(t *testing.T) {
	e := NewEngine(1, 1)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.HashOneShot(ctx, []byte("x"))
	require.Error(t, err)
}
