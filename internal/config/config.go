// Package config resolves server configuration from built-in defaults, an
// optional ini file, and CLI flags, in that increasing order of precedence.
// It is the only package allowed to know about flags or ini syntax; the
// core protocol packages only ever see the resolved Config.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Defaults, per the protocol engine's own constants.
const (
	DefaultPort          = 69
	DefaultDir           = "."
	DefaultReadTimeoutMs = 500
	DefaultMaxRetries    = 10
)

// Config is the resolved, ready-to-use server configuration.
type Config struct {
	Port         int
	Dir          string
	LogFile      string
	HTTPPort     int
	ReadTimeoutMs int
	MaxRetries   int
}

// FlagSet mirrors the flags cmd/tftpd exposes, kept separate from Config so
// Load can tell "flag not passed" apart from "flag passed its zero value".
type FlagSet struct {
	Port     int
	Dir      string
	LogFile  string
	HTTPPort int
	Config   string
}

// ParseFlags registers and parses the standard flag set on the given
// *flag.FlagSet (typically flag.CommandLine).
func ParseFlags(fs *flag.FlagSet, args []string) (FlagSet, error) {
	var f FlagSet
	fs.IntVar(&f.Port, "port", 0, "UDP port to listen on (default 69)")
	fs.StringVar(&f.Dir, "dir", "", "served root directory (default .)")
	fs.StringVar(&f.LogFile, "log-file", "", "optional additional log file path")
	fs.IntVar(&f.HTTPPort, "http-port", 0, "reserved for a future HTTP browser; recorded and logged, never acted on")
	fs.StringVar(&f.Config, "config", "tftpd.ini", "path to an optional ini configuration file")
	if err := fs.Parse(args); err != nil {
		return FlagSet{}, err
	}
	return f, nil
}

// Load resolves defaults < ini file < flags into a Config. A missing ini
// file at flags.Config is not an error — the ini layer is simply skipped —
// but a present, malformed ini file is.
func Load(flags FlagSet) (Config, error) {
	cfg := Config{
		Port:          DefaultPort,
		Dir:           DefaultDir,
		ReadTimeoutMs: DefaultReadTimeoutMs,
		MaxRetries:    DefaultMaxRetries,
	}

	if flags.Config != "" {
		if _, err := os.Stat(flags.Config); err == nil {
			file, err := ini.Load(flags.Config)
			if err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", flags.Config, err)
			}
			applyIni(&cfg, file)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", flags.Config, err)
		}
	}

	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	if flags.Dir != "" {
		cfg.Dir = flags.Dir
	}
	if flags.LogFile != "" {
		cfg.LogFile = flags.LogFile
	}
	if flags.HTTPPort != 0 {
		cfg.HTTPPort = flags.HTTPPort
	}

	return cfg, nil
}

func applyIni(cfg *Config, file *ini.File) {
	server := file.Section("server")
	if key := server.Key("port"); key.String() != "" {
		if v, err := key.Int(); err == nil {
			cfg.Port = v
		}
	}
	if v := server.Key("dir").String(); v != "" {
		cfg.Dir = v
	}
	if v := server.Key("log_file").String(); v != "" {
		cfg.LogFile = v
	}

	limits := file.Section("limits")
	if key := limits.Key("read_timeout_ms"); key.String() != "" {
		if v, err := key.Int(); err == nil {
			cfg.ReadTimeoutMs = v
		}
	}
	if key := limits.Key("max_retries"); key.String() != "" {
		if v, err := key.Int(); err == nil {
			cfg.MaxRetries = v
		}
	}
}
