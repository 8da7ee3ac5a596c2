package session

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tftpd-go/tftpd/internal/codec"
	"github.com/tftpd-go/tftpd/internal/events"
	"github.com/tftpd-go/tftpd/internal/pathsafe"
)

// RunDownload drives one RRQ session to completion: it resolves the
// requested file, negotiates options, streams the file in blksize chunks
// with stop-and-wait retransmission, and reports terminal status on
// cfg.Sink. It never returns an error to the caller; every failure mode is
// surfaced as a TransferFailed event, per the design's "a session never
// crashes the listener" policy.
func RunDownload(id uint64, peer *net.UDPAddr, filename, _ string, options codec.Options, cfg Config) {
	path, err := pathsafe.Resolve(cfg.Root, filename)
	if err != nil {
		// No ERROR packet is sent for sanitizer failures; only the event
		// stream reports them.
		cfg.emit(events.TransferFailed(id, err.Error()))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		cfg.emit(events.TransferFailed(id, fmt.Sprintf("cannot stat %s: %v", path, err)))
		return
	}
	totalBytes := uint64(info.Size())

	neg := negotiateOptions(options)
	if _, ok := neg.oack["tsize"]; ok {
		neg.oack["tsize"] = fmt.Sprintf("%d", totalBytes)
	}

	cfg.logf(id, peer, "RRQ %q (%d bytes) blksize=%d", filename, totalBytes, neg.blksize)
	cfg.emit(events.TransferStarted(events.TransferInfo{
		ID:         id,
		Peer:       peer,
		Filename:   filename,
		Direction:  events.Download,
		TotalBytes: totalBytes,
		Started:    cfg.clock().Now(),
		SizeKnown:  true,
	}))

	conn, err := bindTransferSocket(peer, neg.blksize)
	if err != nil {
		cfg.emit(events.TransferFailed(id, err.Error()))
		return
	}
	defer conn.Close()

	file, err := os.Open(path)
	if err != nil {
		cfg.emit(events.TransferFailed(id, fmt.Sprintf("cannot open %s: %v", path, err)))
		return
	}
	defer file.Close()

	recvBuf := make([]byte, 4+codec.MaxBlksize)
	timeout := cfg.timeout()
	maxRetries := cfg.maxRetries()

	if len(neg.oack) > 0 {
		if failText, ok := awaitAck(conn, 0, codec.OACK(neg.oack), timeout, maxRetries, recvBuf); !ok {
			cfg.emit(events.TransferFailed(id, failText))
			return
		}
	}

	blockBuf := make([]byte, neg.blksize)
	var blockNum uint16 = 1
	var transferred uint64

	for {
		n, readErr := file.Read(blockBuf)
		if readErr != nil && readErr != io.EOF {
			cfg.emit(events.TransferFailed(id, fmt.Sprintf("read %s: %v", path, readErr)))
			return
		}
		payload := blockBuf[:n]

		failText, ok := sendDataAwaitAck(conn, blockNum, payload, timeout, maxRetries, recvBuf)
		if !ok {
			cfg.emit(events.TransferFailed(id, failText))
			return
		}

		transferred += uint64(n)
		cfg.emit(events.TransferProgress(id, transferred, totalBytes))

		if n < neg.blksize {
			break
		}
		blockNum++
	}

	cfg.emit(events.TransferComplete(id))
	cfg.logf(id, peer, "RRQ %q complete", filename)
}

// awaitAck sends pkt and waits for ACK{expected}, retransmitting pkt on
// timeout or any non-matching reply, up to maxRetries times.
func awaitAck(conn *net.UDPConn, expected uint16, pkt codec.Packet, timeout time.Duration, maxRetries int, buf []byte) (string, bool) {
	for retries := 0; ; {
		if err := sendPacket(conn, pkt); err != nil {
			return err.Error(), false
		}
		reply, ok, _, err := receivePacket(conn, timeout, buf)
		if err != nil {
			return err.Error(), false
		}
		if ok {
			if reply.Op == codec.OpACK && reply.Block == expected {
				return "", true
			}
			if reply.Op == codec.OpERROR {
				return fmt.Sprintf("%d:%s", reply.Code, reply.Msg), false
			}
		}
		// Timeout, malformed datagram, or any unexpected packet: all
		// treated as lost per §4.5 — resend the same DATA/OACK.
		retries++
		if retries > maxRetries {
			return fmt.Sprintf("timeout after %d retries", maxRetries), false
		}
	}
}

// sendDataAwaitAck sends DATA{block, payload} and waits for ACK{block},
// retransmitting on timeout or any non-matching reply.
func sendDataAwaitAck(conn *net.UDPConn, block uint16, payload []byte, timeout time.Duration, maxRetries int, buf []byte) (string, bool) {
	pkt := codec.DATA(block, payload)
	return awaitAck(conn, block, pkt, timeout, maxRetries, buf)
}
