package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vishvananda/netlink"
)

// LoadFile reads and compiles the file at path. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("config: file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config: " + w)
	}
	return cfg, nil
}

// interfaceAddrs lists the IPv4 addresses of an interface.
var interfaceAddrs = func(name string) ([]netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	var out []netip.Addr
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			out = append(out, ip)
		}
	}
	return out, nil
}

// ListenAddress returns the OpenFlow listen address. With
// listen-interface, the interface's first IPv4 address is used.
func (c *ControllerConfig) ListenAddress() (string, error) {
	if c.ListenInterface == "" {
		return c.Listen, nil
	}
	addrs, err := interfaceAddrs(c.ListenInterface)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("interface %s has no IPv4 address", c.ListenInterface)
	}
	return net.JoinHostPort(addrs[0].String(), strconv.Itoa(c.Port)), nil
}

// Watch calls fn with the recompiled configuration each time the file at
// path is written or replaced, until ctx is cancelled. Files that fail to
// compile are logged and skipped. The directory is watched so editors
// that replace the file by rename are seen.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		// Editors emit bursts of events; reload once they settle.
		const settle = 200 * time.Millisecond
		var timer *time.Timer
		var fire <-chan time.Time
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(settle)
				} else {
					timer.Reset(settle)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "err", err)
			case <-fire:
				fire = nil
				cfg, err := LoadFile(path)
				if err != nil {
					slog.Error("config: reload failed, keeping current config", "err", err)
					continue
				}
				slog.Info("config: reloaded", "path", path)
				fn(cfg)
			}
		}
	}()
	return nil
}
