package session

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/tftpd-go/tftpd/internal/codec"
	"github.com/tftpd-go/tftpd/internal/events"
	"github.com/tftpd-go/tftpd/internal/pathsafe"
)

// RunUpload drives one WRQ session to completion: it resolves the
// destination path (creating missing parent directories), negotiates
// options, receives blksize-sized DATA blocks with duplicate handling, and
// reports terminal status on cfg.Sink.
func RunUpload(id uint64, peer *net.UDPAddr, filename, _ string, options codec.Options, cfg Config) {
	path, err := pathsafe.Resolve(cfg.Root, filename)
	if err != nil {
		cfg.emit(events.TransferFailed(id, err.Error()))
		return
	}

	neg := negotiateOptions(options)

	cfg.logf(id, peer, "WRQ %q blksize=%d", filename, neg.blksize)
	cfg.emit(events.TransferStarted(events.TransferInfo{
		ID:        id,
		Peer:      peer,
		Filename:  filename,
		Direction: events.Upload,
		Started:   cfg.clock().Now(),
		SizeKnown: false,
	}))

	conn, err := bindTransferSocket(peer, neg.blksize)
	if err != nil {
		cfg.emit(events.TransferFailed(id, err.Error()))
		return
	}
	defer conn.Close()

	timeout := cfg.timeout()
	maxRetries := cfg.maxRetries()
	recvBuf := make([]byte, 4+codec.MaxBlksize)

	if len(neg.oack) > 0 {
		if err := sendPacket(conn, codec.OACK(neg.oack)); err != nil {
			cfg.emit(events.TransferFailed(id, err.Error()))
			return
		}
	} else if err := sendPacket(conn, codec.ACK(0)); err != nil {
		cfg.emit(events.TransferFailed(id, err.Error()))
		return
	}

	if parent := filepath.Dir(path); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			cfg.emit(events.TransferFailed(id, fmt.Sprintf("mkdir %s: %v", parent, err)))
			return
		}
	}

	file, err := os.Create(path)
	if err != nil {
		cfg.emit(events.TransferFailed(id, fmt.Sprintf("create %s: %v", path, err)))
		return
	}
	defer file.Close()

	var transferred uint64
	var expected uint16 = 1

	for {
		payload, failText, ok := receiveExpectedData(conn, expected, timeout, maxRetries, recvBuf)
		if !ok {
			cfg.emit(events.TransferFailed(id, failText))
			return
		}

		if _, err := file.Write(payload); err != nil {
			cfg.emit(events.TransferFailed(id, fmt.Sprintf("write %s: %v", path, err)))
			return
		}
		transferred += uint64(len(payload))

		if err := sendPacket(conn, codec.ACK(expected)); err != nil {
			cfg.emit(events.TransferFailed(id, err.Error()))
			return
		}
		cfg.emit(events.TransferProgress(id, transferred, transferred))

		isLast := len(payload) < neg.blksize
		if isLast {
			break
		}
		expected++
	}

	if err := file.Sync(); err != nil {
		cfg.emit(events.TransferFailed(id, fmt.Sprintf("flush %s: %v", path, err)))
		return
	}

	cfg.emit(events.TransferComplete(id))
	cfg.logf(id, peer, "WRQ %q complete (%d bytes)", filename, transferred)
}

// receiveExpectedData waits for DATA{expected}. A duplicate of the
// previous block is re-ACKed without advancing; any other packet is
// ignored; a timeout re-sends the previous ACK, up to maxRetries times.
func receiveExpectedData(conn *net.UDPConn, expected uint16, timeout time.Duration, maxRetries int, buf []byte) ([]byte, string, bool) {
	previous := expected - 1
	for retries := 0; ; {
		pkt, ok, timedOut, err := receivePacket(conn, timeout, buf)
		if err != nil {
			return nil, err.Error(), false
		}
		if ok {
			switch {
			case pkt.Op == codec.OpDATA && pkt.Block == expected:
				return pkt.Data, "", true
			case pkt.Op == codec.OpDATA && pkt.Block == previous:
				if sendErr := sendPacket(conn, codec.ACK(previous)); sendErr != nil {
					return nil, sendErr.Error(), false
				}
				continue
			case pkt.Op == codec.OpERROR:
				return nil, fmt.Sprintf("%d:%s", pkt.Code, pkt.Msg), false
			default:
				// Any other packet: ignore, per §4.6 rule 5. Does not
				// count against the retry budget.
				continue
			}
		}
		if !timedOut {
			// A malformed datagram: also ignored, not a timeout.
			continue
		}

		retries++
		if retries > maxRetries {
			return nil, fmt.Sprintf("timeout waiting for DATA block %d", expected), false
		}
		if sendErr := sendPacket(conn, codec.ACK(previous)); sendErr != nil {
			return nil, sendErr.Error(), false
		}
	}
}
