// Copyright (C) 2026 Ouroboros contributors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
)

// SyslogConfig configures an optional forward of daemon logs to a
// syslog collector, independent of the local log file.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns syslog forwarding disabled, UDP port
// 514, tagged "ouroboros", facility 1 (USER).
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "ouroboros",
		Facility: 1,
	}
}

// NewSyslogWriter dials a syslog collector and returns an io.Writer
// suitable for logging.SetOutput. Missing Port/Protocol/Tag are
// defaulted; a missing Host is an error since there is nothing to
// dial.
func NewSyslogWriter(cfg SyslogConfig) (io.WriteCloser, error) {
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
		cfg.Tag = "ouroboros"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	w, err := syslog.Dial(cfg.Protocol, addr, cfg.Facility, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog at %s: %w", addr, err)
	}
	return w, nil
}
