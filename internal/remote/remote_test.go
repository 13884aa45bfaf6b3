package remote

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UltraSive/kvstate/internal/datastore"
	"github.com/UltraSive/kvstate/internal/handler"
	"github.com/UltraSive/kvstate/internal/storage"
	"github.com/UltraSive/kvstate/internal/transport"
)

type server struct {
	ds     *datastore.Memory
	shared *storage.Shared
	h      *handler.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	ds := datastore.NewMemory()
	shared := storage.NewShared(ds, storage.WithJournal(storage.NewJournal(64)))
	t.Cleanup(func() {
		shared.Close()
		_ = ds.Close()
	})
	return &server{ds: ds, shared: shared, h: handler.New(shared, nil)}
}

func (s *server) httpClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(transport.NewHTTPRouter(s.h.ServeBytes))
	t.Cleanup(srv.Close)
	return NewHTTP(srv.URL, time.Second)
}

func TestClientDatastore(t *testing.T) {
	s := newServer(t)
	c := s.httpClient(t)
	require.NoError(t, c.Ping(context.Background()))

	_, ok, err := c.Get("spark-kv:selected-year")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("spark-kv:selected-year", "2022"))
	require.NoError(t, c.Put("spark-kv:api-key", `""`))
	v, ok, err := c.Get("spark-kv:selected-year")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2022", v)

	v, ok, err = c.Get("spark-kv:api-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `""`, v)

	keys, err := c.Keys("spark-kv:")
	require.NoError(t, err)
	assert.Equal(t, []string{"spark-kv:api-key", "spark-kv:selected-year"}, keys)

	require.NoError(t, c.Delete("spark-kv:selected-year"))
	_, ok, err = s.ds.Get("spark-kv:selected-year")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Close())
}

func TestClientChangesSkipOwnWrites(t *testing.T) {
	s := newServer(t)
	mine := s.httpClient(t)
	theirs := s.httpClient(t)
	require.NotEqual(t, mine.Origin(), theirs.Origin())

	require.NoError(t, mine.Put("k", "1"))
	require.NoError(t, theirs.Put("k", "2"))

	batch, err := mine.Changes(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), batch.Next)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, theirs.Origin(), batch.Records[0].Origin)
	assert.Equal(t, "2", *batch.Records[0].NewValue)

	batch, err = mine.Changes(context.Background(), batch.Next)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
}

func TestClientReportsRemoteErrors(t *testing.T) {
	s := newServer(t)
	c := s.httpClient(t)

	s.ds.SetWriteError(assert.AnError)
	err := c.Put("k", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), assert.AnError.Error())

	unreachable := NewHTTP("http://127.0.0.1:1", 200*time.Millisecond)
	_, _, err = unreachable.Get("k")
	assert.Error(t, err)
}

func TestClientOverUnixSocket(t *testing.T) {
	s := newServer(t)
	dir, err := os.MkdirTemp("", "kvr")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = transport.ServeUnix(ctx, path, func(conn net.Conn) {
			_ = transport.ServeConn(conn, s.h.ServeBytes)
		})
	}()

	c := NewUnix(path, time.Second)
	require.Eventually(t, func() bool { return c.Ping(context.Background()) == nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Put("k", `"v"`))
	v, ok, err := c.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"v"`, v)
}
