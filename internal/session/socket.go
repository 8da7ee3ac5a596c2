package session

import (
	"fmt"
	"net"
)

// bindTransferSocket opens an ephemeral UDP socket connected to peer, with
// send/receive buffers sized for the negotiated blksize. The OS default
// buffer is too small for blksize values above a few KiB and causes
// "no buffer space available" on some kernels.
func bindTransferSocket(peer *net.UDPAddr, blksize int) (*net.UDPConn, error) {
	bindAddr := "0.0.0.0:0"
	if peer.IP.To4() == nil {
		bindAddr = "[::]:0"
	}
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("session: resolve local addr: %w", err)
	}

	conn, err := net.DialUDP("udp", laddr, peer)
	if err != nil {
		return nil, fmt.Errorf("session: dial peer %s: %w", peer, err)
	}

	bufSize := (4 + blksize) * 2
	if err := conn.SetWriteBuffer(bufSize); err != nil {
		_ = err // best-effort: some platforms cap this silently
	}
	if err := conn.SetReadBuffer(bufSize); err != nil {
		_ = err
	}

	return conn, nil
}
