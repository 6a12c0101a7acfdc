// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// SyslogConfig configures an optional remote syslog sink.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns a disabled syslog config with RFC5424-ish defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "ratewall",
		Facility: 1,
	}
}

// syslogWriter forwards writes to a remote syslog collector over UDP or TCP.
type syslogWriter struct {
	conn net.Conn
	tag  string
	pri  int
}

// NewSyslogWriter dials cfg.Host:cfg.Port and returns a writer that frames
// each Write as a syslog message. Defaults are applied for Port/Protocol/Tag
// when left zero-valued.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "ratewall"
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s: %w", addr, err)
	}

	return &syslogWriter{conn: conn, tag: cfg.Tag, pri: cfg.Facility*8 + 6}, nil
}

func (w *syslogWriter) Write(p []byte) (int, error) {
	msg := fmt.Sprintf("<%d>%s %s: %s", w.pri, time.Now().Format(time.RFC3339), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}
