// Package session implements the per-transfer TFTP protocol engine: option
// negotiation, lockstep block-numbered stop-and-wait with retransmission,
// duplicate handling, and termination detection, for both RRQ (download)
// and WRQ (upload) requests.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/tftpd-go/tftpd/internal/codec"
	"github.com/tftpd-go/tftpd/internal/events"
)

// DefaultTimeout is how long a session waits for a reply before
// retransmitting. The 500ms/10-retry combination yields a total wait of
// about 5s, matching common TFTP client expectations.
const DefaultTimeout = 500 * time.Millisecond

// DefaultMaxRetries is the number of consecutive timeouts a session
// tolerates before giving up.
const DefaultMaxRetries = 10

// Config carries everything a session needs beyond the request itself.
type Config struct {
	Root       string
	Sink       *events.Sink
	Clock      timeutil.Clock
	Logger     logrus.FieldLogger
	Timeout    time.Duration
	MaxRetries int
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c Config) clock() timeutil.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return timeutil.RealClock()
}

// request bundles what the listener parsed out of an RRQ/WRQ.
type request struct {
	id       uint64
	peer     *net.UDPAddr
	filename string
	options  codec.Options
}

func (cfg Config) emit(ev events.Event) {
	cfg.Sink.Send(ev)
}

func (cfg Config) logf(id uint64, peer *net.UDPAddr, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	if cfg.Logger != nil {
		cfg.Logger.WithFields(logrus.Fields{
			"session_id": id,
			"peer":       peer.String(),
		}).Info(text)
	}
	cfg.emit(events.Log(text))
}

// receivePacket waits up to timeout for one datagram on conn and decodes
// it. ok is true only when a legal Packet was decoded. timedOut is true
// only when the deadline expired with nothing received at all; a
// malformed datagram is reported as ok=false, timedOut=false so callers
// can distinguish "nothing arrived" from "garbage arrived" where the
// protocol requires it (the upload duplicate/ignore rules in §4.6). A
// non-nil error is a genuine transport failure.
func receivePacket(conn *net.UDPConn, timeout time.Duration, buf []byte) (pkt codec.Packet, ok bool, timedOut bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return codec.Packet{}, false, false, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if netErr, isNetErr := err.(net.Error); isNetErr && netErr.Timeout() {
			return codec.Packet{}, false, true, nil
		}
		return codec.Packet{}, false, false, err
	}
	pkt, decodeErr := codec.Decode(buf[:n])
	if decodeErr != nil {
		return codec.Packet{}, false, false, nil
	}
	return pkt, true, false, nil
}

func sendPacket(conn *net.UDPConn, pkt codec.Packet) error {
	_, err := conn.Write(codec.Encode(pkt))
	return err
}
