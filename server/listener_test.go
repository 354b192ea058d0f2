package server

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdConn opens a keep-alive connection and completes one request on it so
// it is known to hold a slot
func holdConn(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = io.WriteString(conn, "GET /data.txt HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, res.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	return conn
}

func rawGet(t *testing.T, addr string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err = io.WriteString(conn, "GET /data.txt HTTP/1.1\r\nHost: test\r\n\r\n")
	require.NoError(t, err)
	res, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	return res
}

func TestRejectOverCeiling(t *testing.T) {
	assert := assert.New(t)
	c := testConfig(t, fileRoot(t))
	c.MaxConns = 1
	c.Overload = OverloadReject
	r := startServer(t, c)
	defer r.shutdown(t)
	addr := r.s.Addr().String()

	held := holdConn(t, addr)
	defer held.Close()

	res := rawGet(t, addr)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal("Service Unavailable\n", string(body))
	assert.Equal("1", res.Header.Get("Retry-After"))
	assert.True(res.Close)

	// closing the held connection frees the slot
	held.Close()
	assert.Eventually(func() bool {
		return r.s.listener().Active() == 0
	}, 5*time.Second, 10*time.Millisecond)
	res = rawGet(t, addr)
	assert.Equal(http.StatusOK, res.StatusCode)
}

func TestQueueOverCeiling(t *testing.T) {
	assert := assert.New(t)
	c := testConfig(t, fileRoot(t))
	c.MaxConns = 1
	c.Overload = OverloadQueue
	c.QueueTimeout = 5 * time.Second
	r := startServer(t, c)
	defer r.shutdown(t)
	addr := r.s.Addr().String()

	held := holdConn(t, addr)
	go func() {
		time.Sleep(200 * time.Millisecond)
		held.Close()
	}()

	// waits for the held connection to go away instead of being rejected
	res := rawGet(t, addr)
	assert.Equal(http.StatusOK, res.StatusCode)
}

func TestQueueTimeoutRejects(t *testing.T) {
	c := testConfig(t, fileRoot(t))
	c.MaxConns = 1
	c.Overload = OverloadQueue
	c.QueueTimeout = 50 * time.Millisecond
	r := startServer(t, c)
	defer r.shutdown(t)
	addr := r.s.Addr().String()

	held := holdConn(t, addr)
	defer held.Close()

	res := rawGet(t, addr)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestListenerStates(t *testing.T) {
	assert := assert.New(t)
	c := testConfig(t, fileRoot(t))
	s, err := New(c)
	require.NoError(t, err)
	assert.Equal(StateIdle, s.State())

	r := startServer(t, c)
	assert.Eventually(func() bool {
		return r.s.State() == StateAccepting
	}, 5*time.Second, 10*time.Millisecond)

	held := holdConn(t, r.s.Addr().String())
	assert.Equal(StateDispatching, r.s.State())
	held.Close()
	assert.Eventually(func() bool {
		return r.s.State() == StateAccepting
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(r.shutdown(t))
	assert.Equal(StateClosed, r.s.State())
	s.cache.Close()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Dispatching", StateDispatching.String())
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestTrackedConnReadFrom(t *testing.T) {
	assert := assert.New(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	raw, err := l.Accept()
	require.NoError(t, err)

	released := 0
	var conn net.Conn = &trackedConn{Conn: raw, id: "test", release: func() { released++ }}
	rf, ok := conn.(io.ReaderFrom)
	require.True(t, ok)

	p := filepath.Join(t.TempDir(), "body.bin")
	require.NoError(t, os.WriteFile(p, testContent(256<<10), 0o644))
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()

	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(client)
		got <- b
	}()
	n, err := rf.ReadFrom(io.LimitReader(f, 100<<10))
	require.NoError(t, err)
	assert.Equal(int64(100<<10), n)
	require.NoError(t, conn.Close())
	conn.Close()

	assert.Equal(testContent(256<<10)[:100<<10], <-got)
	assert.Equal(1, released)
}
