// Package netmap imports a hand-written network map into the inventory:
// segments become prefixes, hosts become devices.
package netmap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/inventory"
)

const (
	TypeSegment = "segment"
	TypeHost    = "host"
)

// Entry is one element of a net-map file. A segment's address is a CIDR
// prefix; a host's address is an IP or a MAC.
type Entry struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Load reads a JSON array of entries from path.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read net map: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse net map %s: %w", path, err)
	}
	return entries, nil
}

// Target is the inventory the map is written to.
type Target interface {
	Bootstrap(ctx context.Context, s inventory.Seed) error
	EnsurePrefix(ctx context.Context, prefix netip.Prefix, site, description string) (bool, error)
	DeviceExists(ctx context.Context, name string) (bool, error)
	CreateDevice(ctx context.Context, c inventory.Candidate, defs inventory.Defaults) (inventory.Result, error)
}

type Stats struct {
	Prefixes int
	Devices  int
	Existing int
	Skipped  int
	Failed   int
}

// Import seeds the inventory and then writes every usable entry. Entries
// that are malformed are skipped; a failing entry does not stop the rest.
// Segments go first so hosts land in known prefixes.
func Import(ctx context.Context, t Target, entries []Entry, seed inventory.Seed, defs inventory.Defaults, log *zap.SugaredLogger) (Stats, error) {
	var st Stats
	if err := t.Bootstrap(ctx, seed); err != nil {
		log.Warnw("bootstrap incomplete", "err", err)
	}

	var hosts []Entry
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		switch {
		case name == "":
			st.Skipped++
		case e.Type == TypeSegment:
			pfx, err := netip.ParsePrefix(strings.TrimSpace(e.Address))
			if err != nil {
				log.Debugw("skipping segment", "name", name, "address", e.Address, "err", err)
				st.Skipped++
				continue
			}
			created, err := t.EnsurePrefix(ctx, pfx, defs.Site, name)
			switch {
			case err != nil:
				log.Warnw("prefix import failed", "prefix", pfx.String(), "name", name, "err", err)
				st.Failed++
			case created:
				st.Prefixes++
			default:
				st.Existing++
			}
		case e.Type == TypeHost:
			hosts = append(hosts, e)
		default:
			st.Skipped++
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
	}

	for _, e := range hosts {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		cand, ok := candidate(e)
		if !ok {
			log.Debugw("skipping host", "name", e.Name, "address", e.Address)
			st.Skipped++
			continue
		}
		exists, err := t.DeviceExists(ctx, cand.Hostname)
		if err != nil {
			log.Warnw("device lookup failed", "name", cand.Hostname, "err", err)
			st.Failed++
			continue
		}
		if exists {
			st.Existing++
			continue
		}
		if _, err := t.CreateDevice(ctx, cand, defs); err != nil {
			log.Warnw("device import failed", "name", cand.Hostname, "err", err)
			st.Failed++
			continue
		}
		st.Devices++
	}
	return st, nil
}

func candidate(e Entry) (inventory.Candidate, bool) {
	c := inventory.Candidate{Hostname: strings.TrimSpace(e.Name)}
	addr := strings.TrimSpace(e.Address)
	if ip, err := netip.ParseAddr(addr); err == nil {
		c.Address = ip.Unmap().String()
		return c, true
	}
	if hw, err := net.ParseMAC(addr); err == nil && len(hw) == 6 {
		c.MAC = hw.String()
		return c, true
	}
	return c, false
}
