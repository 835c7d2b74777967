package procgroup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const readBufferSize = 1 << 16

// tcpPlane keeps one outbound connection per peer, and
// reads each peer's frames from the connection that peer
// dialed in.
type tcpPlane struct {
	g *Group

	lock   sync.Mutex
	closed bool
	out    []*tcpPeer
	in     []net.Conn
	wg     sync.WaitGroup
}

type tcpPeer struct {
	lock sync.Mutex
	conn net.Conn
}

func newTCPPlane() *tcpPlane {
	return &tcpPlane{}
}

func (t *tcpPlane) serve(g *Group) error {
	t.g = g
	t.out = make([]*tcpPeer, g.Size())
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *tcpPlane) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.g.listener.Accept()
		if err != nil {
			if !t.isClosed() {
				t.g.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			conn.Close()
			return
		}
		t.in = append(t.in, conn)
		t.wg.Add(1)
		t.lock.Unlock()
		go t.readLoop(conn)
	}
}

func (t *tcpPlane) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	r := bufio.NewReaderSize(conn, readBufferSize)
	hello, err := readFrame(r, helloMaxBytes)
	if err != nil {
		t.g.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("bad handshake")
		return
	}
	src := int(hello.Header.Source)
	if hello.Header.Kind != frameHello || src >= t.g.Size() || src == t.g.Rank() {
		t.g.logger.Warn().Str("kind", hello.Header.Kind.String()).Int("peer", src).
			Msg("unexpected handshake frame")
		return
	}
	if string(hello.Payload) != t.g.runID {
		t.g.logger.Warn().Int("peer", src).Str("peer_run", string(hello.Payload)).
			Err(ErrRunMismatch).Msg("rejected connection")
		return
	}
	t.g.logger.Debug().Int("peer", src).Msg("accepted peer")

	for {
		f, err := readFrame(r, t.g.opts.MaxMessageBytes)
		if err != nil {
			if t.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: rank %d", ErrPeerClosed, src)
			}
			t.g.inboxes[src].fail(err)
			return
		}
		t.g.deliver(src, f.Header.Kind, f.Payload)
		if f.Header.Kind == frameAbort {
			return
		}
	}
}

func (t *tcpPlane) connect(ctx context.Context, g *Group) error {
	for peer, addr := range g.addrs {
		if peer == g.Rank() {
			continue
		}
		conn, err := t.dial(ctx, addr)
		if err != nil {
			return fmt.Errorf("dial rank %d at %s: %w", peer, addr, err)
		}
		if dl, ok := ctx.Deadline(); ok {
			conn.SetWriteDeadline(dl)
		}
		err = writeFrame(conn, frameHello, g.Rank(), []byte(g.runID), g.opts.MaxMessageBytes)
		conn.SetWriteDeadline(time.Time{})
		if err != nil {
			conn.Close()
			return fmt.Errorf("handshake with rank %d: %w", peer, err)
		}

		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			conn.Close()
			return ErrClosed
		}
		t.out[peer] = &tcpPeer{conn: conn}
		t.lock.Unlock()
		g.logger.Debug().Int("peer", peer).Str("addr", addr).Msg("connected to peer")
	}
	return nil
}

func (t *tcpPlane) dial(ctx context.Context, addr string) (net.Conn, error) {
	var conn net.Conn
	err := retry(ctx, t.g.opts.Backoff, func() (bool, error) {
		var d net.Dialer
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		return false, err
	})
	return conn, err
}

func (t *tcpPlane) send(ctx context.Context, dst int, kind frameKind, payload []byte) error {
	t.lock.Lock()
	peer := t.out[dst]
	closed := t.closed
	t.lock.Unlock()
	if closed || peer == nil {
		return ErrClosed
	}

	peer.lock.Lock()
	defer peer.lock.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		peer.conn.SetWriteDeadline(dl)
		defer peer.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		peer.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeFrame(peer.conn, kind, t.g.Rank(), payload, t.g.opts.MaxMessageBytes); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func (t *tcpPlane) isClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

func (t *tcpPlane) close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	var firstErr error
	if t.g != nil {
		if err := t.g.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	for _, peer := range t.out {
		if peer != nil {
			peer.conn.Close()
		}
	}
	for _, conn := range t.in {
		conn.Close()
	}
	t.lock.Unlock()

	t.wg.Wait()
	return firstErr
}
