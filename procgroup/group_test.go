package procgroup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/ringtrain/collcomm"
)

var testBackends = []Backend{BackendTCP, BackendGRPC}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testOptions(port, rank, size int, backend Backend) Options {
	return Options{
		Rank:           rank,
		WorldSize:      size,
		Backend:        backend,
		MasterAddr:     "127.0.0.1",
		MasterPort:     port,
		ConnectTimeout: 10 * time.Second,
	}
}

func initGroups(t *testing.T, backend Backend, size int) []*Group {
	port := freePort(t)
	groups := make([]*Group, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[rank], errs[rank] = Init(context.Background(), testOptions(port, rank, size, backend),
				zerolog.Nop())
		}()
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, g := range groups {
			if g != nil {
				g.Close(nil)
			}
		}
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return groups
}

func TestInitValidation(t *testing.T) {
	cases := []struct {
		Name   string
		Modify func(o *Options)
		Err    error
	}{
		{"WorldSize", func(o *Options) { o.WorldSize = 0 }, ErrInvalidOptions},
		{"NegativeRank", func(o *Options) { o.Rank = -1 }, ErrInvalidOptions},
		{"RankTooLarge", func(o *Options) { o.Rank = 2 }, ErrInvalidOptions},
		{"UnknownBackend", func(o *Options) { o.Backend = "carrier-pigeon" }, ErrUnknownBackend},
		{"MPI", func(o *Options) { o.Backend = BackendMPI }, ErrUnsupportedBackend},
		{"Gloo", func(o *Options) { o.Backend = BackendGloo }, ErrUnsupportedBackend},
		{"MasterPort", func(o *Options) { o.MasterPort = 0 }, ErrInvalidOptions},
		{"MasterAddr", func(o *Options) { o.MasterAddr = "" }, ErrInvalidOptions},
	}
	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			opts := testOptions(5000, 0, 2, BackendTCP)
			c.Modify(&opts)
			g, err := Init(context.Background(), opts, zerolog.Nop())
			assert.Nil(t, g)
			var bootErr *BootstrapError
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, StageValidate, bootErr.Stage)
			assert.ErrorIs(t, err, c.Err)
		})
	}
}

func TestGroupExchange(t *testing.T) {
	for _, backend := range testBackends {
		for size := 1; size <= 4; size++ {
			t.Run(fmt.Sprintf("%s/Size=%d", backend, size), func(t *testing.T) {
				groups := initGroups(t, backend, size)
				runID := groups[0].RunID()
				require.NotEmpty(t, runID)

				var wg sync.WaitGroup
				for _, g := range groups {
					assert.Equal(t, runID, g.RunID())
					wg.Add(1)
					go func() {
						defer wg.Done()
						ctx := context.Background()
						for dst := 0; dst < size; dst++ {
							for i := 0; i < 2; i++ {
								msg := []byte(fmt.Sprintf("%d->%d #%d", g.Rank(), dst, i))
								assert.NoError(t, g.SendBytes(ctx, dst, msg))
							}
						}
						for src := 0; src < size; src++ {
							for i := 0; i < 2; i++ {
								msg, err := g.RecvBytes(ctx, src)
								if assert.NoError(t, err) {
									expected := fmt.Sprintf("%d->%d #%d", src, g.Rank(), i)
									assert.Equal(t, expected, string(msg))
								}
							}
						}
					}()
				}
				wg.Wait()
			})
		}
	}
}

func TestOversizedHelloRejected(t *testing.T) {
	groups := initGroups(t, BackendTCP, 2)

	conn, err := net.Dial("tcp", groups[0].addrs[0])
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(encodeFrameHeader(frameHeader{
		Magic:      frameMagic,
		Version:    frameVersion,
		Kind:       frameHello,
		Source:     1,
		PayloadLen: 4 << 30,
	}))
	require.NoError(t, err)

	// The server hangs up instead of waiting for 4 GiB.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	ctx := context.Background()
	require.NoError(t, groups[1].SendBytes(ctx, 0, []byte("still up")))
	msg, err := groups[0].RecvBytes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "still up", string(msg))
}

func TestLoopbackCopies(t *testing.T) {
	g := initGroups(t, BackendTCP, 1)[0]
	msg := []byte("hello")
	require.NoError(t, g.SendBytes(context.Background(), 0, msg))
	msg[0] = 'j'
	res, err := g.RecvBytes(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res))
}

func TestUnknownRank(t *testing.T) {
	g := initGroups(t, BackendTCP, 1)[0]
	assert.ErrorIs(t, g.SendBytes(context.Background(), 1, nil), collcomm.ErrUnknownRank)
	_, err := g.RecvBytes(context.Background(), -1)
	assert.ErrorIs(t, err, collcomm.ErrUnknownRank)
}

func TestRecvContext(t *testing.T) {
	groups := initGroups(t, BackendTCP, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := groups[0].RecvBytes(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbortPropagation(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(string(backend), func(t *testing.T) {
			groups := initGroups(t, backend, 3)
			require.NoError(t, groups[1].SendBytes(context.Background(), 0, []byte("before")))
			groups[1].Close(errors.New("update diverged"))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			msg, err := groups[0].RecvBytes(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "before", string(msg))

			for _, rank := range []int{0, 2} {
				_, err = groups[rank].RecvBytes(ctx, 1)
				require.ErrorIs(t, err, ErrPeerAborted, "rank %d", rank)
				var abortErr *AbortError
				require.ErrorAs(t, err, &abortErr)
				assert.Equal(t, 1, abortErr.Peer)
				assert.Equal(t, "update diverged", abortErr.Reason)
			}
		})
	}
}

func TestPeerClosed(t *testing.T) {
	groups := initGroups(t, BackendTCP, 2)
	require.NoError(t, groups[1].SendBytes(context.Background(), 0, []byte("last")))
	require.NoError(t, groups[1].Close(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := groups[0].RecvBytes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))
	_, err = groups[0].RecvBytes(ctx, 1)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestCloseFailsReceives(t *testing.T) {
	g := initGroups(t, BackendGRPC, 2)[0]
	done := make(chan error, 1)
	go func() {
		_, err := g.RecvBytes(context.Background(), 1)
		done <- err
	}()
	require.NoError(t, g.Close(nil))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not fail after close")
	}
}

func TestRendezvousMismatch(t *testing.T) {
	port := freePort(t)
	var wg sync.WaitGroup
	var masterErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		opts := testOptions(port, 0, 2, BackendTCP)
		opts.ConnectTimeout = time.Second
		_, masterErr = Init(context.Background(), opts, zerolog.Nop())
	}()

	opts := testOptions(port, 1, 3, BackendTCP)
	opts.ConnectTimeout = 5 * time.Second
	_, err := Init(context.Background(), opts, zerolog.Nop())
	var bootErr *BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, StageRendezvous, bootErr.Stage)
	assert.ErrorIs(t, err, ErrRendezvous)

	wg.Wait()
	require.ErrorAs(t, masterErr, &bootErr)
	assert.Equal(t, StageRendezvous, bootErr.Stage)
}

func TestMasterUnreachable(t *testing.T) {
	opts := testOptions(freePort(t), 1, 2, BackendGRPC)
	opts.ConnectTimeout = 300 * time.Millisecond
	start := time.Now()
	_, err := Init(context.Background(), opts, zerolog.Nop())
	var bootErr *BootstrapError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, StageRendezvous, bootErr.Stage)
	assert.Equal(t, 1, bootErr.Rank)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
