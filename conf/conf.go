// Package conf assembles the forwarding configuration from CLI rule specs
// and an optional YAML file. Everything here runs before the engine starts;
// target hostnames are resolved to IPs at this boundary so the engine never
// does name lookups.
package conf

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	DefaultBufferKiB = 8
	DefaultWorkers   = 5
)

// Forward maps one source port to one or more resolved targets. Target order
// is the order given by the user; the first connectable target carries the
// return path.
type Forward struct {
	SourcePort uint16
	Targets    []netip.AddrPort
}

func (f Forward) String() string {
	targets := make([]string, len(f.Targets))
	for i, t := range f.Targets {
		targets[i] = t.String()
	}
	return fmt.Sprintf("%d:%s", f.SourcePort, strings.Join(targets, ","))
}

type Config struct {
	Forwards []Forward

	// bytes per relay copy chunk
	BufferSize int
	// relay pool width
	Workers int
	// 0 disables the per-connection idle limit
	IdleTimeout time.Duration
}

func Default() *Config {
	return &Config{
		BufferSize: DefaultBufferKiB * 1024,
		Workers:    DefaultWorkers,
	}
}

// Validate checks the fully assembled config. Engine code trusts a config
// that passed here.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if len(c.Forwards) == 0 {
		return errors.New("no forwarding rules")
	}

	seen := make(map[uint16]struct{})
	for _, fwd := range c.Forwards {
		if fwd.SourcePort == 0 {
			return fmt.Errorf("forward %q: source port must not be 0", fwd)
		}
		if len(fwd.Targets) == 0 {
			return fmt.Errorf("port %d: no targets", fwd.SourcePort)
		}
		if _, ok := seen[fwd.SourcePort]; ok {
			return fmt.Errorf("port %d declared twice", fwd.SourcePort)
		}
		seen[fwd.SourcePort] = struct{}{}
	}
	return nil
}
