package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/circuitbreaker"
	"github.com/gustycube/netenrich/internal/fuzzy"
	"github.com/gustycube/netenrich/internal/httpclient"
	"github.com/gustycube/netenrich/internal/metrics"
	"github.com/gustycube/netenrich/internal/rate"
)

// Options configures a NetBox client.
type Options struct {
	BaseURL string
	Token   string
	// AuthScheme prefixes the token in the Authorization header. NetBox
	// v1 tokens use "Token", v2 tokens "Bearer".
	AuthScheme string

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// Retries is how often a read is retried after a transport error or
	// 5xx. Writes are never retried.
	Retries int

	// LookupRate and CreateRate are requests per second; <= 0 is unlimited.
	LookupRate float64
	CreateRate float64

	FuzzyThreshold         int
	AutoCreateManufacturer bool

	// NameCacheSize and NameCacheTTL bound the name to id cache for sites,
	// roles, manufacturers and device types.
	NameCacheSize int
	NameCacheTTL  time.Duration

	HTTPClient *http.Client
	Breaker    *circuitbreaker.Config
}

const (
	limitLookup = "lookup"
	limitCreate = "create"
)

type nameRef struct {
	ID   int
	Name string
}

// NetBox is an inventory client for the NetBox REST API. Safe for
// concurrent use.
type NetBox struct {
	base    *url.URL
	auth    string
	opts    Options
	client  *httpclient.ResilientClient
	limiter *rate.PerKey
	names   *expirable.LRU[string, nameRef]
	log     *zap.SugaredLogger
}

func NewNetBox(opts Options, log *zap.SugaredLogger) (*NetBox, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("netbox url %q is not an absolute URL", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = "Token"
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = fuzzy.DefaultThreshold
	}
	if opts.NameCacheSize <= 0 {
		opts.NameCacheSize = 1024
	}
	if opts.NameCacheTTL <= 0 {
		opts.NameCacheTTL = 10 * time.Minute
	}

	bcfg := circuitbreaker.DefaultConfig()
	if opts.Breaker != nil {
		c := *opts.Breaker
		bcfg = &c
	}
	bcfg.IsFailure = httpclient.IsServerFailure
	bcfg.OnStateChange = func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			metrics.BreakerState.Set(1)
		} else {
			metrics.BreakerState.Set(0)
		}
		log.Warnw("inventory breaker state changed", "from", from.String(), "to", to.String())
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = httpclient.Default()
	}

	limiter := rate.New(opts.LookupRate, max(int(opts.LookupRate), 1))
	limiter.SetLimit(limitCreate, opts.CreateRate, 1)

	return &NetBox{
		base:    u,
		auth:    opts.AuthScheme + " " + opts.Token,
		opts:    opts,
		client:  httpclient.NewResilientClient(hc, circuitbreaker.New(bcfg)),
		limiter: limiter,
		names:   expirable.NewLRU[string, nameRef](opts.NameCacheSize, nil, opts.NameCacheTTL),
		log:     log,
	}, nil
}

// LookupPrefix resolves the most specific prefix containing address.
func (n *NetBox) LookupPrefix(ctx context.Context, address, site string) Result {
	var pg page[nbPrefix]
	q := url.Values{"contains": {address}, "limit": {"1000"}}
	if err := n.get(ctx, "prefix", "/api/ipam/prefixes/", q, &pg); err != nil {
		return n.failed("prefix", address, err)
	}

	var best *nbPrefix
	bestBits := -1
	for i := range pg.Results {
		p := &pg.Results[i]
		if !siteMatches(p.site(), site) {
			continue
		}
		pfx, err := netip.ParsePrefix(p.Prefix)
		if err != nil {
			continue
		}
		if pfx.Bits() > bestBits {
			best, bestBits = p, pfx.Bits()
		}
	}
	if best == nil {
		return NotFound()
	}

	seg := &Segment{ID: best.ID, Name: best.Description, Prefix: best.Prefix}
	if seg.Name == "" && best.VRF != nil {
		seg.Name = best.VRF.Name
	}
	if seg.Name == "" {
		seg.Name = best.Prefix
	}
	if s := best.site(); s != nil {
		seg.Site = s.Name
	}
	return Result{Found: true, Segment: seg}
}

// LookupDevice resolves the device owning address through the interface
// the address is assigned to. With wantService the service bound to port
// on that device is filled in when one exists.
func (n *NetBox) LookupDevice(ctx context.Context, address, site string, wantService bool, port int) Result {
	var ips page[nbIPAddress]
	if err := n.get(ctx, "ip_address", "/api/ipam/ip-addresses/", url.Values{"address": {address}}, &ips); err != nil {
		return n.failed("ip_address", address, err)
	}

	seen := make(map[int]bool)
	for _, ip := range ips.Results {
		if ip.AssignedObject == nil || ip.AssignedObject.Device == nil {
			continue
		}
		id := ip.AssignedObject.Device.ID
		if seen[id] {
			continue
		}
		seen[id] = true

		var d nbDevice
		if err := n.get(ctx, "device", "/api/dcim/devices/"+strconv.Itoa(id)+"/", nil, &d); err != nil {
			if errors.Is(err, ErrRejected) && !errors.Is(err, ErrUnauthorized) {
				continue
			}
			return n.failed("device", address, err)
		}
		if !siteMatches(d.Site, site) {
			continue
		}
		dev := d.toDevice()
		if wantService && port > 0 {
			dev.Service = n.lookupService(ctx, d.ID, port)
		}
		return Result{Found: true, Device: dev}
	}
	return NotFound()
}

func (n *NetBox) lookupService(ctx context.Context, deviceID, port int) string {
	var pg page[nbService]
	q := url.Values{"device_id": {strconv.Itoa(deviceID)}, "port": {strconv.Itoa(port)}}
	if err := n.get(ctx, "service", "/api/ipam/services/", q, &pg); err != nil {
		n.log.Debugw("service lookup failed", "device_id", deviceID, "port", port, "err", err)
		return ""
	}
	for _, s := range pg.Results {
		if s.Name != "" {
			return s.Name
		}
	}
	return ""
}

// SearchDevices returns existing devices that may be the candidate: those
// carrying its MAC first, then those matching its name.
func (n *NetBox) SearchDevices(ctx context.Context, c Candidate) ([]Device, error) {
	var queries []url.Values
	if mac := normalizeMAC(c.MAC); mac != "" {
		queries = append(queries, url.Values{"mac_address": {mac}})
	}
	if name := c.Name(); name != "" {
		queries = append(queries, url.Values{"q": {name}})
	}

	var out []Device
	seen := make(map[int]bool)
	for _, q := range queries {
		q.Set("limit", "50")
		var pg page[nbDevice]
		if err := n.get(ctx, "search", "/api/dcim/devices/", q, &pg); err != nil {
			return out, err
		}
		for _, d := range pg.Results {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, *d.toDevice())
		}
	}
	return out, nil
}

// CreateDevice registers the candidate with a "default" interface carrying
// its MAC and its address as the primary IP. Site, role and device type
// come from defs and are created when missing.
func (n *NetBox) CreateDevice(ctx context.Context, c Candidate, defs Defaults) (Result, error) {
	name := c.Name()
	if name == "" {
		return NotFound(), fmt.Errorf("%w: candidate has neither name nor address", ErrRejected)
	}

	site, err := n.ensureSite(ctx, defs.Site)
	if err != nil {
		return NotFound(), fmt.Errorf("resolve site %q: %w", defs.Site, err)
	}
	role, err := n.ensureRole(ctx, defs.Role)
	if err != nil {
		return NotFound(), fmt.Errorf("resolve role %q: %w", defs.Role, err)
	}
	mfr, err := n.resolveManufacturer(ctx, c.Manufacturer, defs.Manufacturer)
	if err != nil {
		return NotFound(), fmt.Errorf("resolve manufacturer: %w", err)
	}
	dtype, err := n.ensureDeviceType(ctx, defs.DeviceType, mfr)
	if err != nil {
		return NotFound(), fmt.Errorf("resolve device type %q: %w", defs.DeviceType, err)
	}

	var created nbDevice
	body := map[string]any{
		"name":        name,
		"site":        site.ID,
		"role":        role.ID,
		"device_type": dtype.ID,
		"status":      "active",
	}
	if err := n.send(ctx, "create", http.MethodPost, "/api/dcim/devices/", body, &created); err != nil {
		return NotFound(), fmt.Errorf("create device %q: %w", name, err)
	}
	n.attachAddress(ctx, created.ID, c)

	dev := created.toDevice()
	if dev.Name == "" {
		dev.Name = name
	}
	if dev.Site == "" {
		dev.Site = defs.Site
	}
	if dev.Role == "" {
		dev.Role = defs.Role
	}
	if dev.Manufacturer == "" {
		dev.Manufacturer = mfr.Name
	}
	if dev.DeviceType == "" {
		dev.DeviceType = defs.DeviceType
	}
	n.log.Infow("device created", "id", dev.ID, "name", dev.Name, "address", c.Address)
	return Result{Found: true, Device: dev}, nil
}

// Ping checks that the API answers.
func (n *NetBox) Ping(ctx context.Context) error {
	return n.get(ctx, "status", "/api/status/", nil, nil)
}

// BreakerState reports the backend circuit breaker state.
func (n *NetBox) BreakerState() circuitbreaker.State {
	return n.client.State()
}

// resolveManufacturer maps an OUI vendor guess onto an existing
// manufacturer by fuzzy name match. Without a match the guess is created
// when allowed, else the default is used.
func (n *NetBox) resolveManufacturer(ctx context.Context, guess, def string) (nameRef, error) {
	guess = strings.TrimSpace(guess)
	if guess != "" {
		key := "manufacturer-guess|" + strings.ToLower(guess)
		if r, ok := n.names.Get(key); ok {
			return r, nil
		}
		var pg page[ref]
		if err := n.get(ctx, "resolve", "/api/dcim/manufacturers/", url.Values{"limit": {"1000"}}, &pg); err != nil {
			return nameRef{}, err
		}
		if m, ok := fuzzy.FindSimilar(guess, pg.Results, func(r ref) string { return r.Name }, n.opts.FuzzyThreshold); ok {
			r := nameRef{ID: m.Item.ID, Name: m.Item.Name}
			n.names.Add(key, r)
			return r, nil
		}
		if n.opts.AutoCreateManufacturer {
			var created ref
			err := n.send(ctx, "create", http.MethodPost, "/api/dcim/manufacturers/",
				map[string]any{"name": guess, "slug": slugify(guess)}, &created)
			if err == nil {
				r := nameRef{ID: created.ID, Name: guess}
				n.names.Add(key, r)
				return r, nil
			}
			n.log.Warnw("manufacturer create failed, using default", "manufacturer", guess, "err", err)
		}
	}
	return n.ensureManufacturer(ctx, def)
}

func (n *NetBox) ensureSite(ctx context.Context, name string) (nameRef, error) {
	return n.ensure(ctx, "sites", name, url.Values{"name": {name}},
		map[string]any{"name": name, "slug": slugify(name)})
}

func (n *NetBox) ensureRole(ctx context.Context, name string) (nameRef, error) {
	return n.ensure(ctx, "device-roles", name, url.Values{"name": {name}},
		map[string]any{"name": name, "slug": slugify(name), "vm_role": true, "color": "9e9e9e"})
}

func (n *NetBox) ensureManufacturer(ctx context.Context, name string) (nameRef, error) {
	return n.ensure(ctx, "manufacturers", name, url.Values{"name": {name}},
		map[string]any{"name": name, "slug": slugify(name)})
}

func (n *NetBox) ensureDeviceType(ctx context.Context, model string, mfr nameRef) (nameRef, error) {
	return n.ensure(ctx, "device-types", model+"|"+strconv.Itoa(mfr.ID),
		url.Values{"model": {model}, "manufacturer_id": {strconv.Itoa(mfr.ID)}},
		map[string]any{"model": model, "slug": slugify(mfr.Name + " " + model), "manufacturer": mfr.ID})
}

// ensure returns the id of the object under /api/dcim/<endpoint>/ matching
// filter, creating it from create when absent.
func (n *NetBox) ensure(ctx context.Context, endpoint, name string, filter url.Values, create map[string]any) (nameRef, error) {
	key := endpoint + "|" + name
	if r, ok := n.names.Get(key); ok {
		return r, nil
	}
	path := "/api/dcim/" + endpoint + "/"

	var pg page[ref]
	if err := n.get(ctx, "resolve", path, filter, &pg); err != nil {
		return nameRef{}, err
	}
	var r nameRef
	if len(pg.Results) > 0 {
		r = nameRef{ID: pg.Results[0].ID, Name: name}
	} else {
		var created ref
		if err := n.send(ctx, "create", http.MethodPost, path, create, &created); err != nil {
			return nameRef{}, err
		}
		r = nameRef{ID: created.ID, Name: name}
	}
	n.names.Add(key, r)
	return r, nil
}

func (n *NetBox) attachAddress(ctx context.Context, deviceID int, c Candidate) {
	iface := map[string]any{"device": deviceID, "name": "default", "type": "other"}
	if mac := normalizeMAC(c.MAC); mac != "" {
		iface["mac_address"] = mac
	}
	var ifc ref
	if err := n.send(ctx, "create", http.MethodPost, "/api/dcim/interfaces/", iface, &ifc); err != nil {
		n.log.Warnw("interface create failed", "device_id", deviceID, "err", err)
		return
	}

	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return
	}
	addr = addr.Unmap()
	bits, field := 32, "primary_ip4"
	if addr.Is6() {
		bits, field = 128, "primary_ip6"
	}

	var ip ref
	body := map[string]any{
		"address":              netip.PrefixFrom(addr, bits).String(),
		"assigned_object_type": "dcim.interface",
		"assigned_object_id":   ifc.ID,
		"status":               "active",
	}
	if err := n.send(ctx, "create", http.MethodPost, "/api/ipam/ip-addresses/", body, &ip); err != nil {
		n.log.Warnw("ip address create failed", "device_id", deviceID, "address", c.Address, "err", err)
		return
	}
	path := "/api/dcim/devices/" + strconv.Itoa(deviceID) + "/"
	if err := n.send(ctx, "create", http.MethodPatch, path, map[string]any{field: ip.ID}, nil); err != nil {
		n.log.Warnw("primary ip update failed", "device_id", deviceID, "err", err)
	}
}

// failed turns an error into a not-found. Only a definitive rejection
// yields a plain not-found; anything else is degraded.
func (n *NetBox) failed(verb, address string, err error) Result {
	if errors.Is(err, ErrUnauthorized) {
		n.log.Warnw("inventory refused credentials", "verb", verb, "address", address, "err", err)
		return DegradedResult()
	}
	if errors.Is(err, ErrRejected) {
		n.log.Debugw("inventory rejected lookup", "verb", verb, "address", address, "err", err)
		return NotFound()
	}
	n.log.Warnw("inventory lookup failed", "verb", verb, "address", address, "err", err)
	return DegradedResult()
}

func (n *NetBox) get(ctx context.Context, verb, path string, query url.Values, out any) error {
	return n.do(ctx, verb, http.MethodGet, path, query, nil, out)
}

func (n *NetBox) send(ctx context.Context, verb, method, path string, body, out any) error {
	return n.do(ctx, verb, method, path, nil, body, out)
}

func (n *NetBox) do(ctx context.Context, verb, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	u := *n.base
	u.Path = strings.TrimRight(n.base.Path, "/") + path
	u.RawQuery = query.Encode()
	target := u.String()

	limitKey, retries := limitLookup, n.opts.Retries
	if method != http.MethodGet {
		limitKey, retries = limitCreate, 0
	}

	start := time.Now()
	defer func() { metrics.LookupSeconds.WithLabelValues(verb).Observe(time.Since(start).Seconds()) }()

	op := func() error {
		if err := n.limiter.Wait(ctx, limitKey); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		actx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()

		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(actx, method, target, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", n.auth)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := n.client.Do(req)
		if err != nil {
			werr := fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
			if circuitbreaker.IsRejection(err) || ctx.Err() != nil {
				return backoff.Permanent(werr)
			}
			return werr
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			msg = bytes.TrimSpace(msg)
			switch resp.StatusCode {
			case http.StatusRequestTimeout, http.StatusTooManyRequests:
				return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, method, path, resp.Status)
			case http.StatusUnauthorized, http.StatusForbidden:
				return backoff.Permanent(fmt.Errorf("%w: %w: %s %s: %s %s", ErrRejected, ErrUnauthorized, method, path, resp.Status, msg))
			}
			return backoff.Permanent(fmt.Errorf("%w: %s %s: %s %s", ErrRejected, method, path, resp.Status, msg))
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s %s: decode: %v", ErrUnavailable, method, path, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
}
