//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/espgw/espnow-server/internal/espnow"
	"github.com/espgw/espnow-server/internal/link"
	"github.com/espgw/espnow-server/internal/metrics"
	"github.com/espgw/espnow-server/internal/queue"
	"github.com/espgw/espnow-server/internal/serial"
	"github.com/espgw/espnow-server/internal/transport"
)

// The udpsim backend replaces the radio with a multicast group so several
// gateway instances on one LAN (or one host, via SO_REUSEPORT) can exchange
// packets without hardware. Each datagram is one EvSend frame in the serial
// wire format; the pseudo peer address of a sender is derived from its UDP
// source address. Delivery reports are synthesized locally when the datagram
// hits the wire, one per addressed peer, since multicast has no per-peer
// feedback.

type udpTxItem struct {
	frame []byte
	acks  uint64
}

func initUDPSimBackend(ctx context.Context, cfg *appConfig, q *queue.Queue, lnk *link.Link, l *slog.Logger, wg *sync.WaitGroup) (link.TransmitFunc, func(), error) {
	group, err := net.ResolveUDPAddr("udp4", cfg.udpGroup)
	if err != nil || group.IP.To4() == nil || !group.IP.IsMulticast() {
		return nil, func() {}, fmt.Errorf("udpsim group %q: not a multicast host:port (%v)", cfg.udpGroup, err)
	}
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", group.Port))
	if err != nil {
		return nil, func() {}, fmt.Errorf("udpsim listen: %w", err)
	}
	conn := pc.(*net.UDPConn)
	if err := joinGroup(conn, group.IP.To4()); err != nil {
		_ = conn.Close()
		return nil, func() {}, fmt.Errorf("udpsim join %s: %w", group.IP, err)
	}
	l.Info("udpsim_open", "group", group.String())

	serCodec := serial.Codec{}
	atx := transport.NewAsyncTx(ctx, txQueueSize, func(it udpTxItem) error {
		_, err := conn.WriteToUDP(it.frame, group)
		for i := uint64(0); i < it.acks; i++ {
			lnk.Ack(err == nil)
		}
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrUDPWrite)
			l.Error("udpsim_write_error", "error", err)
		},
		OnAfter: metrics.IncUDPTx,
		OnDrop:  func() error { return link.ErrAgain },
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("udpsim_rx_end")
		buf := make([]byte, 2048)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				metrics.IncError(metrics.ErrUDPRead)
				l.Warn("udpsim_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
				continue
			}
			backoff = rxBackoffMin
			metrics.IncUDPRx()
			peer := peerFromUDP(src)
			acc.Reset()
			acc.Write(buf[:n])
			_ = serCodec.DecodeStream(acc, func(ev serial.Event) {
				if ev.Type != serial.EvSend {
					return
				}
				q.TryEnqueue(peer, ev.Pkt.Payload())
			})
		}
	}()

	tx := func(peer *espnow.Addr, payload []byte) error {
		acks := uint64(1)
		if peer == nil {
			acks = uint64(lnk.PeerCount())
		}
		return atx.Send(udpTxItem{frame: serCodec.EncodeSend(peer, payload), acks: acks})
	}
	return tx, func() { _ = conn.Close(); atx.Close() }, nil
}

// joinGroup subscribes the socket to the multicast group on all interfaces
// and disables local loopback so a gateway does not receive its own sends.
func joinGroup(conn *net.UDPConn, ip4 net.IP) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip4)
		if serr = unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0)
	})
	if err != nil {
		return err
	}
	return serr
}

// peerFromUDP maps a UDP source to a stable pseudo peer address: four IPv4
// octets followed by the big-endian port.
func peerFromUDP(src *net.UDPAddr) espnow.Addr {
	var a espnow.Addr
	if ip := src.IP.To4(); ip != nil {
		copy(a[:4], ip)
	}
	a[4] = byte(src.Port >> 8)
	a[5] = byte(src.Port)
	return a
}
