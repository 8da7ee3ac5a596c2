package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tftpd-go/tftpd/internal/config"
	"github.com/tftpd-go/tftpd/internal/events"
	"github.com/tftpd-go/tftpd/internal/listener"
)

func main() {
	flags, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "tftpd: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tftpd: %v\n", err)
		os.Exit(1)
	}

	log.SetLevel(log.InfoLevel)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tftpd: open log file %s: %v\n", cfg.LogFile, err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	if cfg.HTTPPort != 0 {
		log.Infof("HTTP browser not implemented in this build (http-port=%d ignored)", cfg.HTTPPort)
	}

	sink := events.NewSink(256)
	go drainEvents(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %s, shutting down", s)
		cancel()
	}()

	l := listener.New(listener.Config{
		Addr:       fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Root:       cfg.Dir,
		Sink:       sink,
		Logger:     log.StandardLogger(),
		Timeout:    time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		MaxRetries: cfg.MaxRetries,
	})

	log.Infof("serving %s on UDP port %d", cfg.Dir, cfg.Port)
	if err := l.Serve(ctx); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

// drainEvents is the single consumer of the event sink, rendering every
// event through logrus. Transfer events carry structured fields; Log events
// are written as plain text.
func drainEvents(sink *events.Sink) {
	for ev := range sink.Events() {
		switch ev.Kind {
		case events.KindLog:
			log.Info(ev.LogText)
		case events.KindTransferStarted:
			log.WithFields(log.Fields{
				"session_id": ev.Info.ID,
				"peer":       ev.Info.Peer,
				"filename":   ev.Info.Filename,
				"direction":  ev.Info.Direction.String(),
			}).Info("transfer started")
		case events.KindTransferProgress:
			log.WithFields(log.Fields{
				"session_id": ev.ID,
			}).Debugf("transferred %d/%d bytes", ev.Transferred, ev.TotalBytes)
		case events.KindTransferComplete:
			log.WithFields(log.Fields{
				"session_id": ev.ID,
			}).Info("transfer complete")
		case events.KindTransferFailed:
			log.WithFields(log.Fields{
				"session_id": ev.ID,
			}).Warnf("transfer failed: %s", ev.ErrorText)
		}
	}
}
