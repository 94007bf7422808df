package conf

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ParseForward parses one rule spec of the form SPORT:HOST:PORT[,HOST:PORT...].
func ParseForward(spec string) (Forward, error) {
	head, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return Forward{}, fmt.Errorf("invalid forward %q: want SPORT:HOST:PORT", spec)
	}

	port, err := strconv.ParseUint(head, 10, 16)
	if err != nil || port == 0 {
		return Forward{}, fmt.Errorf("invalid source port %q in forward %q", head, spec)
	}

	var targets []netip.AddrPort
	for _, t := range strings.Split(rest, ",") {
		addr, err := ResolveTarget(strings.TrimSpace(t))
		if err != nil {
			return Forward{}, fmt.Errorf("forward %q: %w", spec, err)
		}
		targets = append(targets, addr)
	}

	return Forward{SourcePort: uint16(port), Targets: targets}, nil
}

// ParseForwards parses rule specs from one source. A single source may not
// declare the same port twice.
func ParseForwards(specs []string) ([]Forward, error) {
	seen := make(map[uint16]struct{})
	var fwds []Forward
	for _, spec := range specs {
		fwd, err := ParseForward(spec)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[fwd.SourcePort]; ok {
			return nil, fmt.Errorf("port %d declared twice", fwd.SourcePort)
		}
		seen[fwd.SourcePort] = struct{}{}
		fwds = append(fwds, fwd)
	}
	return fwds, nil
}

// ResolveTarget turns HOST:PORT into a concrete address. Hostnames go through
// the system resolver; the first returned address wins.
func ResolveTarget(hostport string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(hostport); err == nil {
		if addr.Port() == 0 {
			return netip.AddrPort{}, fmt.Errorf("invalid target port 0 in %q", hostport)
		}
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid target %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("invalid target port %q in %q", portStr, hostport)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: no addresses", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

// Merge combines rule lists in priority order: on a source-port conflict the
// earlier list wins. The result is sorted by source port.
func Merge(sources ...[]Forward) []Forward {
	seen := make(map[uint16]struct{})
	var merged []Forward
	for _, src := range sources {
		for _, fwd := range src {
			if _, ok := seen[fwd.SourcePort]; ok {
				logrus.WithField("port", fwd.SourcePort).Debug("dropping shadowed forward")
				continue
			}
			seen[fwd.SourcePort] = struct{}{}
			merged = append(merged, fwd)
		}
	}

	slices.SortStableFunc(merged, func(a, b Forward) int {
		return cmp.Compare(a.SourcePort, b.SourcePort)
	})
	return merged
}

type FileForward struct {
	SourcePort uint16   `yaml:"source_port"`
	Targets    []string `yaml:"targets"`
}

// File is the YAML config schema.
type File struct {
	Forwards    []FileForward `yaml:"forwards"`
	BufferKiB   int           `yaml:"buffer_kib"`
	Workers     int           `yaml:"workers"`
	IdleTimeout string        `yaml:"idle_timeout"`
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// ParseForwards resolves the file's rule entries. Same-port duplicates within
// the file are an error.
func (f *File) ParseForwards() ([]Forward, error) {
	seen := make(map[uint16]struct{})
	var fwds []Forward
	for _, entry := range f.Forwards {
		if entry.SourcePort == 0 {
			return nil, errors.New("file forward: source port must not be 0")
		}
		if len(entry.Targets) == 0 {
			return nil, fmt.Errorf("port %d: no targets", entry.SourcePort)
		}
		if _, ok := seen[entry.SourcePort]; ok {
			return nil, fmt.Errorf("port %d declared twice", entry.SourcePort)
		}
		seen[entry.SourcePort] = struct{}{}

		var targets []netip.AddrPort
		for _, t := range entry.Targets {
			addr, err := ResolveTarget(t)
			if err != nil {
				return nil, fmt.Errorf("port %d: %w", entry.SourcePort, err)
			}
			targets = append(targets, addr)
		}
		fwds = append(fwds, Forward{SourcePort: entry.SourcePort, Targets: targets})
	}
	return fwds, nil
}

// ParseIdleTimeout interprets the file's idle_timeout as a Go duration
// string. Empty means disabled.
func (f *File) ParseIdleTimeout() (time.Duration, error) {
	if f.IdleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle_timeout: %w", err)
	}
	return d, nil
}
