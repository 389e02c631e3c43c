// Package config loads process-wide settings from CLI flags and
// environment defaults, and parses the per-output config-file grammar of
// spec §6 (one line per output).
//
// Grounded on doismellburning-samoyed's cmd/*/main.go (POSIX flags via
// github.com/spf13/pflag) for the CLI layer, and on
// snapetech-plexTuner/internal/config's getEnv/getEnvInt/getEnvDuration
// helpers layered under flags for the env-default layer.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsiec/dvbroute/internal/demux"
)

// Config is the process-wide configuration populated from the CLI/config
// file, routing the spec §9 Open-Question globals (TTL/SSRC/MaxRetention/
// Latency/lock_timeout/UniqueTSID) through named fields instead of
// package-level mutable state.
type Config struct {
	// Input selects the capture source: "udp://host:port", "rtp://host:port",
	// or a path understood by an external frontend driver (out of scope
	// per spec §1; Engine is driven by whatever reads from this address).
	Input string

	OutputsFile string // path to the spec §6 config-file

	ControlSocket string // UNIX datagram control-socket path, empty disables it

	// LockTimeout is the DVR/ASI input mute deadline (spec §5, default 5s).
	LockTimeout time.Duration

	// FrontendTimeout bounds how long the engine waits for the driver to
	// report a frontend lock before retuning (spec §5, default 30s).
	FrontendTimeout time.Duration

	// DefaultUDP is the legacy b_output_udp default (spec §9 Open
	// Question #1): when true, ParseOutputLine sets the UDP flag on every
	// output line, whether or not the line also names `udp` or `dvb`.
	DefaultUDP bool

	// UniqueTSID is the -unique-tsid switch (spec §9 Open Question #4),
	// copied to Engine.UniqueTSID by Finalize. Nothing acts on it: an
	// output without tsid= always inherits the input's TSID.
	UniqueTSID bool

	// DefaultTTL/DefaultSSRC/DefaultLatency/DefaultMaxRetention are the
	// process-wide fallbacks for outputs whose config line omits the
	// corresponding option (spec §9 Open Question #2).
	DefaultTTL          int
	DefaultSSRC         uint32
	DefaultLatency      time.Duration
	DefaultMaxRetention time.Duration

	Engine demux.Config

	LogLevel string
}

// Defaults mirrors DVBlast's config.h constants (original_source/config.h),
// named here instead of left as package-level globals per spec §9's
// "global mutable state" redesign note.
var Defaults = Config{
	ControlSocket:       "/var/run/dvbroute.sock",
	LockTimeout:         demux.DefaultLockTimeout,
	FrontendTimeout:     30 * time.Second,
	DefaultTTL:          64,
	DefaultSSRC:         0xDBDBDBDB,
	DefaultLatency:      100 * time.Millisecond,
	DefaultMaxRetention: 40 * time.Millisecond,
	LogLevel:            "info",
}

// RegisterFlags binds c's fields to POSIX-style flags on fs, seeded from
// Defaults and then os.Getenv fallbacks, matching the
// flag-layered-over-env-layered-over-constant pattern SPEC_FULL.md's
// ambient stack section describes.
func RegisterFlags(fs *pflag.FlagSet, c *Config) {
	*c = Defaults

	fs.StringVar(&c.Input, "input", getEnv("DVBROUTE_INPUT", ""),
		"capture source, e.g. udp://239.1.1.1:1234")
	fs.StringVar(&c.OutputsFile, "config", getEnv("DVBROUTE_OUTPUTS_FILE", ""),
		"path to the output config file (spec §6 grammar)")
	fs.StringVar(&c.ControlSocket, "control-socket", c.ControlSocket,
		"UNIX datagram control-socket path, empty disables it")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout,
		"input mute deadline before a retune is requested")
	fs.DurationVar(&c.FrontendTimeout, "frontend-timeout", c.FrontendTimeout,
		"frontend lock deadline before a retune is requested")
	fs.BoolVar(&c.DefaultUDP, "udp", getEnvBool("DVBROUTE_DEFAULT_UDP", false),
		"default transport for outputs that omit udp/dvb explicitly")
	fs.BoolVar(&c.UniqueTSID, "unique-tsid", getEnvBool("DVBROUTE_UNIQUE_TSID", false),
		"has no effect: outputs without tsid= inherit the input TSID")
	fs.IntVar(&c.DefaultTTL, "ttl", c.DefaultTTL, "default output socket TTL")
	fs.Uint32Var(&c.DefaultSSRC, "ssrc", c.DefaultSSRC, "default RTP SSRC")
	fs.DurationVar(&c.DefaultLatency, "latency", c.DefaultLatency,
		"default per-output send latency bound")
	fs.DurationVar(&c.DefaultMaxRetention, "retention", c.DefaultMaxRetention,
		"default per-output pending-group retention bound")
	fs.IntVar(&c.Engine.MaxErrors, "max-errors", demux.DefaultMaxErrors,
		"transport/scrambling error threshold before a watchdog reset")
	fs.DurationVar(&c.Engine.WatchdogWait, "watchdog-wait", demux.DefaultWatchdogWait,
		"window MaxErrors is measured over")
	fs.DurationVar(&c.Engine.WatchdogRefractoryPeriod, "watchdog-refractory", demux.DefaultWatchdogRefractoryPeriod,
		"minimum time between consecutive watchdog resets")
	fs.DurationVar(&c.Engine.MaxEITRetention, "eit-retention", demux.DefaultMaxEITRetention,
		"max age of a queued EIT section before its buffer is flushed")
	fs.DurationVar(&c.Engine.ESTimeout, "es-timeout", demux.DefaultESTimeout,
		"PID presence timeout (spec §5)")
	fs.StringVar(&c.LogLevel, "log-level", getEnv("DVBROUTE_LOG_LEVEL", c.LogLevel),
		"log/slog level: debug, info, warn, error")
	fs.BoolVar(&c.Engine.Policy.AnyType, "select-any-type", getEnvBool("DVBROUTE_SELECT_ANY_TYPE", false),
		"auto-select every ES regardless of type/descriptor tag (spec §4.4)")
	fs.BoolVar(&c.Engine.Policy.ECMPassthrough, "ecm-passthrough", getEnvBool("DVBROUTE_ECM_PASSTHROUGH", false),
		"forward every CA-descriptor PID (ECM passthrough, spec §4.4)")

}

// Finalize copies the flags parsed after RegisterFlags into the nested
// demux.Config fields that mirror them. Call once after fs.Parse.
func (c *Config) Finalize() {
	c.Engine.DefaultUDP = c.DefaultUDP
	c.Engine.UniqueTSID = c.UniqueTSID
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
