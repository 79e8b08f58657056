package uds

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation/pkg/exception"
)

func TestEmptyPath(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, exception.ErrEmptyPathUDS)
	_, err = NewServer("")
	assert.ErrorIs(t, err, exception.ErrEmptyPathUDS)
}

func TestRemoveIfExistsRejectsNonSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-socket")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	assert.ErrorIs(t, RemoveIfExists(path), exception.ErrPathNotSocketUDS)
	assert.NoError(t, RemoveIfExists(filepath.Join(t.TempDir(), "missing")))
}

func TestServeEchoesUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	server, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())
	assert.ErrorIs(t, server.Listen(), exception.ErrAlreadyListeningUDS)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, func(_ context.Context, conn net.Conn) {
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err == nil {
				_, _ = conn.Write([]byte("echo " + line))
			}
		})
	}()

	client, err := NewClient(path)
	require.NoError(t, err)
	conn, err := client.Dial(context.Background())
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo ping\n", reply)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServeBeforeListen(t *testing.T) {
	server, err := NewServer(filepath.Join(t.TempDir(), "x.sock"))
	require.NoError(t, err)
	assert.ErrorIs(t, server.Serve(context.Background(), nil), exception.ErrNotListeningUDS)
}
