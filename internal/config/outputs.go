package config

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/dvbroute/internal/output"
)

// ParseOutputsFile reads one output.Config per non-blank, non-comment line
// of r, per spec §6's config-file grammar:
//
//	target[/option…] watch-flag sid|* [pid,pid,…]
//
// Grounded on snapetech-plexTuner/internal/config's bufio.Scanner
// line-splitting idiom. defaults supplies the process-wide fallbacks for
// options a line omits (spec §9 Open Question #2).
func ParseOutputsFile(r io.Reader, defaults Config) ([]output.Config, error) {
	var outputs []output.Config
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cfg, err := ParseOutputLine(line, defaults)
		if err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
		outputs = append(outputs, cfg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return outputs, nil
}

// ParseOutputLine parses a single config-file line. A line whose fields
// are malformed (bad host/port, bad MTU, bad PID map) returns an error; per
// spec §7 ("Configuration errors... cause the affected output to be marked
// invalid, not the process"), the caller is expected to log and skip such a
// line rather than abort the whole file — ParseOutputsFile stops at the
// first error instead, since a malformed config file is an operator error
// worth surfacing at startup.
func ParseOutputLine(line string, defaults Config) (output.Config, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return output.Config{}, fmt.Errorf("expected at least target and sid, got %q", line)
	}

	targetField := fields[0]
	parts := strings.Split(targetField, "/")
	target := parts[0]
	options := parts[1:]

	cfg := output.Config{
		DisplayName:  targetField,
		TTL:          defaults.DefaultTTL,
		SSRC:         defaults.DefaultSSRC,
		Latency:      defaults.DefaultLatency,
		MaxRetention: defaults.DefaultMaxRetention,
		TSID:         -1, // inherit, per spec §3, unless tsid= overrides
		Flags:        output.Valid,
	}
	if defaults.DefaultUDP {
		cfg.Flags |= output.UDP
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return output.Config{}, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return output.Config{}, fmt.Errorf("invalid port in %q: %w", target, err)
	}
	cfg.Addr = host
	cfg.Port = port
	cfg.IsIPv6 = strings.Contains(host, ":")

	for _, opt := range options {
		if err := applyOption(&cfg, opt); err != nil {
			return output.Config{}, err
		}
	}

	rest := fields[1:]
	idx := 0
	if idx < len(rest) && isWatchFlag(rest[idx]) {
		if rest[idx] == "watch" {
			cfg.Flags |= output.Watch
		}
		idx++
	}
	if idx >= len(rest) {
		return output.Config{}, fmt.Errorf("missing sid field in %q", line)
	}
	sidField := rest[idx]
	idx++
	if sidField == "*" {
		cfg.Passthrough = true
	} else {
		sid, err := strconv.ParseUint(sidField, 10, 16)
		if err != nil {
			return output.Config{}, fmt.Errorf("invalid sid %q: %w", sidField, err)
		}
		cfg.SID = uint16(sid)
	}

	if idx < len(rest) {
		pids, err := parsePIDList(rest[idx])
		if err != nil {
			return output.Config{}, err
		}
		cfg.ExplicitPIDs = pids
	}

	return cfg, nil
}

func isWatchFlag(s string) bool { return s == "watch" || s == "-" }

func parsePIDList(s string) ([]uint16, error) {
	items := strings.Split(s, ",")
	pids := make([]uint16, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		v, err := strconv.ParseUint(it, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", it, err)
		}
		pids = append(pids, uint16(v))
	}
	return pids, nil
}

func applyOption(cfg *output.Config, opt string) error {
	key, value, _ := strings.Cut(opt, "=")
	switch key {
	case "udp":
		cfg.Flags |= output.UDP
	case "dvb":
		cfg.Flags |= output.DVB
	case "epg":
		cfg.Flags |= output.EPG
	case "tsid":
		v, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid tsid=%q: %w", value, err)
		}
		cfg.TSID = int32(v)
	case "retention":
		d, err := parseMillis(value)
		if err != nil {
			return fmt.Errorf("invalid retention=%q: %w", value, err)
		}
		cfg.MaxRetention = d
	case "latency":
		d, err := parseMillis(value)
		if err != nil {
			return fmt.Errorf("invalid latency=%q: %w", value, err)
		}
		cfg.Latency = d
	case "ttl":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ttl=%q: %w", value, err)
		}
		cfg.TTL = v
	case "tos":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid tos=%q: %w", value, err)
		}
		cfg.TOS = v
	case "mtu":
		v, err := strconv.Atoi(value)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid mtu=%q", value)
		}
		cfg.MTU = v
	case "ifindex":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ifindex=%q: %w", value, err)
		}
		cfg.IfIndex = v
	case "networkid":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid networkid=%q: %w", value, err)
		}
		cfg.NetworkID = uint16(v)
	case "onid":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid onid=%q: %w", value, err)
		}
		cfg.ONID = uint16(v)
	case "charset":
		cfg.Charset = value
	case "networkname":
		cfg.NetworkName = value
	case "srvname":
		cfg.ServiceName = value
	case "srvprovider":
		cfg.ServiceProviderName = value
	case "srcaddr":
		cfg.SourceAddr = value
		cfg.Flags |= output.Raw
	case "srcport":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid srcport=%q: %w", value, err)
		}
		cfg.SourcePort = v
	case "ssrc":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ssrc=%q: %w", value, err)
		}
		cfg.SSRC = uint32(v)
	case "pidmap":
		pm, err := parsePIDMap(value)
		if err != nil {
			return err
		}
		cfg.PIDMap = pm
	case "newsid":
		v, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid newsid=%q: %w", value, err)
		}
		cfg.NewSID = uint16(v)
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}

// parseMillis parses a bare integer as a millisecond duration, the
// config-file grammar's convention for retention=/latency=.
func parseMillis(s string) (time.Duration, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

// parsePIDMap parses the four-slot `pidmap=pmt,apid,vpid,spupid` value.
func parsePIDMap(s string) (output.PIDMap, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return output.PIDMap{}, fmt.Errorf("pidmap requires 4 comma-separated values, got %q", s)
	}
	vals := make([]uint16, 4)
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return output.PIDMap{}, fmt.Errorf("invalid pidmap entry %q: %w", p, err)
		}
		vals[i] = uint16(v)
	}
	return output.PIDMap{PMT: vals[0], Audio: vals[1], Video: vals[2], Subtitle: vals[3]}, nil
}
