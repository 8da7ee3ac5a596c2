// Package listener owns the well-known TFTP UDP port: it decodes incoming
// request datagrams, classifies them, and spawns an independent session
// goroutine for each RRQ/WRQ. It holds no per-session state itself.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/tftpd-go/tftpd/internal/codec"
	"github.com/tftpd-go/tftpd/internal/events"
	"github.com/tftpd-go/tftpd/internal/session"
)

// Config configures a Listener.
type Config struct {
	Addr       string // e.g. "0.0.0.0:69"
	Root       string
	Sink       *events.Sink
	Clock      timeutil.Clock
	Logger     logrus.FieldLogger
	Timeout    time.Duration // 0 means session.DefaultTimeout
	MaxRetries int
}

// Listener dispatches incoming TFTP requests to session goroutines.
type Listener struct {
	cfg    Config
	nextID uint64
}

// New constructs a Listener from cfg. It does not bind a socket until Serve
// is called.
func New(cfg Config) *Listener {
	return &Listener{cfg: cfg}
}

// Serve binds the listener's UDP port and runs the accept loop until ctx is
// canceled. A bind failure is returned immediately; every other failure is
// handled locally (logged, or surfaced as a session failure) and Serve keeps
// running. In-flight session goroutines are not joined when ctx is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listener: resolve %s: %w", l.cfg.Addr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.cfg.Addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4+codec.MaxBlksize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.emitLog(fmt.Sprintf("read: %v", err))
			continue
		}

		pkt, decodeErr := codec.Decode(buf[:n])
		if decodeErr != nil {
			l.emitLog(fmt.Sprintf("malformed datagram from %s: %v", peer, decodeErr))
			continue
		}

		switch pkt.Op {
		case codec.OpRRQ:
			l.dispatch(peer, pkt.Filename, pkt.Options, session.RunDownload)
		case codec.OpWRQ:
			l.dispatch(peer, pkt.Filename, pkt.Options, session.RunUpload)
		default:
			l.emitLog(fmt.Sprintf("unexpected opcode %d from %s", pkt.Op, peer))
		}
	}
}

type sessionFunc func(id uint64, peer *net.UDPAddr, filename, mode string, options codec.Options, cfg session.Config)

func (l *Listener) dispatch(peer *net.UDPAddr, filename string, options codec.Options, run sessionFunc) {
	id := atomic.AddUint64(&l.nextID, 1)
	cfg := session.Config{
		Root:       l.cfg.Root,
		Sink:       l.cfg.Sink,
		Clock:      l.cfg.Clock,
		Logger:     l.cfg.Logger,
		MaxRetries: l.cfg.MaxRetries,
	}
	cfg.Timeout = l.cfg.Timeout
	go run(id, peer, filename, "octet", options, cfg)
}

func (l *Listener) emitLog(text string) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Warn(text)
	}
	if l.cfg.Sink != nil {
		l.cfg.Sink.Send(events.Log(text))
	}
}
