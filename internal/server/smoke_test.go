package server

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/frame"
	"github.com/espgw/espnow-server/internal/hub"
	"github.com/espgw/espnow-server/internal/metrics"
)

// capture backend sends for verification
var (
	captured   []espnow.Packet
	capturedMu sync.Mutex
)

func captureSend(p espnow.Packet) error {
	capturedMu.Lock()
	captured = append(captured, p)
	capturedMu.Unlock()
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func dialAndHandshake(t *testing.T, ctx context.Context, addr string) net.Conn {
	t.Helper()
	d := net.Dialer{Timeout: time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte(hello)); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	buf := make([]byte, len(hello))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("handshake read: %v", err)
	}
	if string(buf) != hello {
		t.Fatalf("unexpected handshake magic %q", string(buf))
	}
	return conn
}

// TestSmokeServer starts the TCP server on an ephemeral port, performs the
// hello exchange and exercises both directions.
func TestSmokeServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	capturedMu.Lock()
	captured = nil
	capturedMu.Unlock()

	h := hub.New()
	srv := NewServer(
		WithHub(h),
		WithCodec(&frame.Codec{}),
		WithSend(captureSend),
		WithHandshakeTimeout(2*time.Second),
	)
	srv.SetListenAddr(":0")
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(1 * time.Second):
		t.Fatalf("server did not signal readiness")
	}

	conn := dialAndHandshake(t, ctx, srv.Addr())
	defer conn.Close()

	// --- Client -> server path: one encoded packet reaches the radio send. ---
	codec := frame.Codec{}
	peer := espnow.Addr{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	sent := espnow.NewPacket(peer, []byte{1, 2, 3})
	if _, err := conn.Write(codec.Encode([]espnow.Packet{sent})); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		capturedMu.Lock()
		n := len(captured)
		capturedMu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	capturedMu.Lock()
	okCaptured := len(captured) == 1 && captured[0].Peer == peer && bytes.Equal(captured[0].Payload(), []byte{1, 2, 3})
	capturedMu.Unlock()
	if !okCaptured {
		t.Fatalf("expected captured packet, got %#v", captured)
	}

	// --- Server -> client broadcast path. ---
	srv.Hub.Broadcast(espnow.NewPacket(peer, []byte{9, 8}))
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var acc bytes.Buffer
	rb := make([]byte, 64)
	for acc.Len() < espnow.FrameLen(2) {
		n, err := conn.Read(rb)
		if err != nil {
			if isTimeout(err) {
				break
			}
			t.Fatalf("read broadcast: %v", err)
		}
		acc.Write(rb[:n])
	}
	got, err := codec.Decode(bytes.NewReader(acc.Bytes()))
	if err != nil {
		t.Fatalf("decode broadcast: %v (bytes=%d)", err, acc.Len())
	}
	if got.Peer != peer || !bytes.Equal(got.Payload(), []byte{9, 8}) {
		t.Fatalf("broadcast mismatch: %+v", got)
	}
}

// TestSmokeBatch verifies the batching encode path by broadcasting a full
// batch quickly and decoding the resulting stream.
func TestSmokeBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&frame.Codec{}), WithSend(captureSend))
	go srv.Serve(ctx)
	<-srv.Ready()

	c1 := dialAndHandshake(t, ctx, srv.Addr())
	defer c1.Close()

	regDeadline := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(regDeadline) {
		if h.Count() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	peer := espnow.Addr{1, 2, 3, 4, 5, 6}
	// Exactly the batch threshold forces an immediate flush.
	for i := 0; i < 64; i++ {
		srv.Hub.Broadcast(espnow.NewPacket(peer, []byte{byte(i)}))
	}

	var acc bytes.Buffer
	deadline := time.Now().Add(400 * time.Millisecond)
	tmp := make([]byte, 512)
	want := 64 * espnow.FrameLen(1)
	for time.Now().Before(deadline) && acc.Len() < want {
		_ = c1.SetReadDeadline(time.Now().Add(80 * time.Millisecond))
		n, err := c1.Read(tmp)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			break
		}
		acc.Write(tmp[:n])
	}
	codec := frame.Codec{}
	var pkts []espnow.Packet
	_, _ = codec.DecodeN(bytes.NewReader(acc.Bytes()), 0, func(p espnow.Packet) { pkts = append(pkts, p.CopyShallow()) })
	if len(pkts) < 2 {
		t.Fatalf("expected multiple packets, got %d (bytes=%d)", len(pkts), acc.Len())
	}
	for i, p := range pkts {
		if p.Payload()[0] != byte(i) {
			t.Fatalf("packet %d out of order: payload % X", i, p.Payload())
		}
	}
}

// TestSmokeMetrics ensures counters reflect activity on both directions.
func TestSmokeMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&frame.Codec{}), WithSend(captureSend))
	go srv.Serve(ctx)
	<-srv.Ready()

	pre := metrics.Snap()
	c := dialAndHandshake(t, ctx, srv.Addr())
	defer c.Close()

	// The server registers the hub client only after its side of the
	// handshake completes; wait for attachment or the broadcast below
	// reaches nobody.
	regDeadline := time.Now().Add(time.Second)
	for time.Now().Before(regDeadline) {
		if h.Count() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if h.Count() == 0 {
		t.Fatalf("client never attached to hub")
	}

	codec := frame.Codec{}
	peer := espnow.Addr{7, 7, 7, 7, 7, 7}
	for i := 0; i < 3; i++ {
		if _, err := c.Write(codec.Encode([]espnow.Packet{espnow.NewPacket(peer, []byte{byte(i)})})); err != nil {
			t.Fatalf("write packet %d: %v", i, err)
		}
	}
	srv.Hub.Broadcast(espnow.NewPacket(peer, nil))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		d := metrics.Snap()
		if d.TCPRx >= pre.TCPRx+3 && d.TCPTx > pre.TCPTx {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	post := metrics.Snap()
	if d := post.TCPRx - pre.TCPRx; d < 3 {
		t.Fatalf("expected >=3 TCPRx delta, got %d", d)
	}
	if post.TCPTx == pre.TCPTx {
		t.Fatalf("expected TCPTx delta (pre=%d post=%d)", pre.TCPTx, post.TCPTx)
	}
}

// TestHandshakeRejectsBadHello ensures a client with the wrong magic is
// dropped and does not become a hub client.
func TestHandshakeRejectsBadHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&frame.Codec{}), WithSend(captureSend), WithHandshakeTimeout(300*time.Millisecond))
	go srv.Serve(ctx)
	<-srv.Ready()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("NOTAGATEWAY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Server closes the connection after the failed exchange.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	if h.Count() != 0 {
		t.Fatalf("bad-hello client registered with hub")
	}
}
