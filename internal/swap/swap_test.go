package swap_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamStan/scr/internal/comm/local"
	"github.com/CamStan/scr/internal/swap"
)

func TestExchangeCopyOneWay(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "payload.dat")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	destDir := t.TempDir()

	hub := local.NewHub(2, "nodeA")

	var wg sync.WaitGroup
	var senderErr, receiverErr error
	var recvResult swap.Result

	wg.Add(2)
	go func() {
		defer wg.Done()
		c := hub.Rank(0)
		_, senderErr = swap.Exchange(context.Background(), c, swap.Side{
			Rank:     1,
			FilePath: srcPath,
		}, swap.Options{Mode: swap.Copy, BufSize: 8, CRCOnCopy: true})
	}()
	go func() {
		defer wg.Done()
		c := hub.Rank(1)
		recvResult, receiverErr = swap.Exchange(context.Background(), c, swap.Side{
			Rank:     0,
			RecvDir:  destDir,
			RecvSize: int64(len(content)),
		}, swap.Options{Mode: swap.Copy, BufSize: 8, CRCOnCopy: true})
	}()
	wg.Wait()

	require.NoError(t, senderErr)
	require.NoError(t, receiverErr)
	assert.True(t, recvResult.Complete)
	assert.Equal(t, int64(len(content)), recvResult.ReceivedSize)

	got, err := os.ReadFile(recvResult.ReceivedPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// The sender's original must still exist in COPY mode.
	_, err = os.Stat(srcPath)
	assert.NoError(t, err)
}

func TestExchangeZeroByteFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "empty.dat")
	require.NoError(t, os.WriteFile(srcPath, nil, 0o644))
	destDir := t.TempDir()

	hub := local.NewHub(2, "nodeA")
	var wg sync.WaitGroup
	var recvResult swap.Result
	var recvErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		c := hub.Rank(0)
		_, _ = swap.Exchange(context.Background(), c, swap.Side{
			Rank:     1,
			FilePath: srcPath,
		}, swap.Options{Mode: swap.Copy, BufSize: 64})
	}()
	go func() {
		defer wg.Done()
		c := hub.Rank(1)
		recvResult, recvErr = swap.Exchange(context.Background(), c, swap.Side{
			Rank:    0,
			RecvDir: destDir,
		}, swap.Options{Mode: swap.Copy, BufSize: 64})
	}()
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, int64(0), recvResult.ReceivedSize)
	info, err := os.Stat(recvResult.ReceivedPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestExchangeMoveBothSidesDistinctRank(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "orig.dat")
	content := []byte("move-mode payload spanning more than one buffer length")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))
	destDir := t.TempDir()

	hub := local.NewHub(2, "nodeA")
	var wg sync.WaitGroup
	var recvResult swap.Result
	var sendErr, recvErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		c := hub.Rank(0)
		_, sendErr = swap.Exchange(context.Background(), c, swap.Side{
			Rank:     1,
			FilePath: srcPath,
		}, swap.Options{Mode: swap.Move, BufSize: 16})
	}()
	go func() {
		defer wg.Done()
		c := hub.Rank(1)
		recvResult, recvErr = swap.Exchange(context.Background(), c, swap.Side{
			Rank:    0,
			RecvDir: destDir,
		}, swap.Options{Mode: swap.Move, BufSize: 16})
	}()
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	got, err := os.ReadFile(recvResult.ReceivedPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(srcPath)
	assert.True(t, os.IsNotExist(err), "source consumed by send-only move")
}
