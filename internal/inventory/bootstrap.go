package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Seed names objects that must exist before devices are imported. Every
// device type is created under every manufacturer listed.
type Seed struct {
	Sites         []string
	Roles         []string
	Manufacturers []string
	DeviceTypes   []string
}

// Bootstrap creates whatever the seed names and the inventory lacks. It
// keeps going past individual failures and returns them joined.
func (n *NetBox) Bootstrap(ctx context.Context, s Seed) error {
	var errs []error
	for _, name := range s.Sites {
		if _, err := n.ensureSite(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("site %q: %w", name, err))
		}
	}
	for _, name := range s.Roles {
		if _, err := n.ensureRole(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("role %q: %w", name, err))
		}
	}
	for _, name := range s.Manufacturers {
		mfr, err := n.ensureManufacturer(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("manufacturer %q: %w", name, err))
			continue
		}
		for _, model := range s.DeviceTypes {
			if _, err := n.ensureDeviceType(ctx, model, mfr); err != nil {
				errs = append(errs, fmt.Errorf("device type %q: %w", model, err))
			}
		}
	}
	return errors.Join(errs...)
}

// EnsurePrefix creates prefix with description as its segment name unless
// the prefix already exists. It reports whether it created one.
func (n *NetBox) EnsurePrefix(ctx context.Context, prefix netip.Prefix, site, description string) (bool, error) {
	cidr := prefix.Masked().String()
	var pg page[nbPrefix]
	if err := n.get(ctx, "resolve", "/api/ipam/prefixes/", url.Values{"prefix": {cidr}}, &pg); err != nil {
		return false, err
	}
	if len(pg.Results) > 0 {
		return false, nil
	}
	body := map[string]any{"prefix": cidr, "description": description, "status": "active"}
	if site != "" {
		s, err := n.ensureSite(ctx, site)
		if err != nil {
			return false, fmt.Errorf("resolve site %q: %w", site, err)
		}
		body["site"] = s.ID
	}
	if err := n.send(ctx, "create", http.MethodPost, "/api/ipam/prefixes/", body, nil); err != nil {
		return false, err
	}
	n.log.Infow("prefix created", "prefix", cidr, "name", description)
	return true, nil
}

// DeviceExists reports whether a device with exactly this name exists.
func (n *NetBox) DeviceExists(ctx context.Context, name string) (bool, error) {
	var pg page[nbDevice]
	if err := n.get(ctx, "search", "/api/dcim/devices/", url.Values{"name": {name}}, &pg); err != nil {
		return false, err
	}
	return len(pg.Results) > 0, nil
}

// WaitReady polls the status endpoint until NetBox answers, timeout passes
// or ctx ends. Refused credentials end the wait at once.
func (n *NetBox) WaitReady(ctx context.Context, timeout time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = timeout
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := n.Ping(ctx)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		if err != nil {
			n.log.Infow("waiting for NetBox", "attempt", attempt, "err", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}
