// Package enrich resolves inventory attributes for the source and
// destination of a traffic record and writes them onto it.
package enrich

import (
	"context"
	"fmt"
	"net/netip"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/cache"
	"github.com/gustycube/netenrich/internal/dedup"
	"github.com/gustycube/netenrich/internal/fuzzy"
	"github.com/gustycube/netenrich/internal/inventory"
	"github.com/gustycube/netenrich/internal/metrics"
	"github.com/gustycube/netenrich/internal/record"
)

// Inventory is the backend the enricher reads from and writes to.
// Lookups never fail; a failed call is a degraded not-found.
type Inventory interface {
	LookupPrefix(ctx context.Context, address, site string) inventory.Result
	LookupDevice(ctx context.Context, address, site string, wantService bool, port int) inventory.Result
	SearchDevices(ctx context.Context, c inventory.Candidate) ([]inventory.Device, error)
	CreateDevice(ctx context.Context, c inventory.Candidate, defs inventory.Defaults) (inventory.Result, error)
}

type resultCache = cache.Store[inventory.LookupKey, inventory.Result]

type Enricher struct {
	cfg      Config
	inv      Inventory
	claims   dedup.Claimer
	segments *resultCache
	devices  *resultCache
	tracer   trace.Tracer
	log      *zap.SugaredLogger
}

// New builds an Enricher with one cache per lookup kind. A nil claims
// uses an in-process claimer scoped to the device cache TTL.
func New(cfg Config, inv Inventory, claims dedup.Claimer, log *zap.SugaredLogger) *Enricher {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = cfg.CacheTTL
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = fuzzy.DefaultThreshold
	}
	if claims == nil {
		claims = dedup.NewMemory(max(cfg.CacheSize, 1024), max(cfg.CacheTTL, cfg.NegativeTTL))
	}
	ttlFor := func(r inventory.Result) time.Duration {
		if !r.Found {
			return cfg.NegativeTTL
		}
		return 0
	}
	newCache := func(name string) *resultCache {
		return cache.New[inventory.LookupKey, inventory.Result](cache.Options[inventory.Result]{
			Name:          name,
			Capacity:      cfg.CacheSize,
			TTL:           cfg.CacheTTL,
			TTLFunc:       ttlFor,
			SweepInterval: cfg.SweepInterval,
		})
	}
	return &Enricher{
		cfg:      cfg,
		inv:      inv,
		claims:   claims,
		segments: newCache(string(inventory.KindSegment)),
		devices:  newCache(string(inventory.KindDevice)),
		tracer:   otel.Tracer("netenrich/enrich"),
		log:      log,
	}
}

// Close stops the cache sweepers.
func (e *Enricher) Close() error {
	e.segments.Close()
	return e.devices.Close()
}

// Enrich mutates rec in place. It never panics and never fails; whatever
// could not be resolved is left unset.
func (e *Enricher) Enrich(ctx context.Context, rec record.Record) {
	if !e.cfg.Enabled || rec == nil {
		return
	}
	if e.cfg.Filter != nil && !e.cfg.Filter.Accepts(rec) {
		return
	}

	dir := rec.Direction()
	ctx, span := e.tracer.Start(ctx, "Enrich", trace.WithAttributes(attribute.String("network.direction", dir)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("enrichment panic", "panic", r, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprint(r))
		}
	}()

	for _, side := range sidesFor(dir) {
		e.enrichSide(ctx, rec, side)
	}
	Merge(rec)
}

func sidesFor(direction string) []record.Side {
	switch direction {
	case record.DirectionInternal:
		return []record.Side{record.Source, record.Destination}
	case record.DirectionOutbound:
		return []record.Side{record.Source}
	case record.DirectionInbound:
		return []record.Side{record.Destination}
	}
	return nil
}

func (e *Enricher) enrichSide(ctx context.Context, rec record.Record, side record.Side) {
	addr, err := netip.ParseAddr(rec.String(record.Field(side, "ip")))
	if err != nil {
		return
	}
	address := addr.Unmap().String()
	site := e.cfg.DefaultSite

	segKey := inventory.LookupKey{Kind: inventory.KindSegment, Address: address, Site: site}
	seg := e.lookup(ctx, e.segments, segKey, func(ctx context.Context) inventory.Result {
		return e.inv.LookupPrefix(ctx, address, site)
	})
	if seg.Found && seg.Segment != nil {
		writeSegment(rec, side, seg.Segment)
	}

	var port int
	wantService := false
	if side == record.Destination && e.cfg.LookupService {
		if p, ok := rec.Int("destination.port"); ok && p > 0 {
			port, wantService = p, true
		}
	}
	devKey := inventory.LookupKey{Kind: inventory.KindDevice, Address: address, Site: site, WantService: wantService, Port: port}
	dev := e.lookup(ctx, e.devices, devKey, func(ctx context.Context) inventory.Result {
		return e.inv.LookupDevice(ctx, address, site, wantService, port)
	})
	if !dev.Found && !dev.Degraded && e.cfg.Autopopulate {
		dev = e.autopopulate(ctx, rec, side, devKey)
	}
	if dev.Found && dev.Device != nil {
		writeDevice(rec, side, dev.Device)
	}
}

func (e *Enricher) lookup(ctx context.Context, store *resultCache, key inventory.LookupKey, fetch func(context.Context) inventory.Result) inventory.Result {
	kind := string(key.Kind)
	if r, ok := store.Get(key); ok {
		metrics.LookupsTotal.WithLabelValues(kind, "cache_hit").Inc()
		return r
	}

	r := fetch(ctx)
	switch {
	case r.Found:
		metrics.LookupsTotal.WithLabelValues(kind, "found").Inc()
	case r.Degraded:
		metrics.LookupsTotal.WithLabelValues(kind, "degraded").Inc()
		e.log.Debugw("lookup degraded", "kind", kind, "address", key.Address)
		return r
	default:
		metrics.LookupsTotal.WithLabelValues(kind, "not_found").Inc()
	}
	store.Put(key, r)
	e.log.Debugw("lookup", "kind", kind, "address", key.Address, "site", key.Site, "found", r.Found)
	return r
}

// autopopulate registers the side's device unless another worker holds the
// claim or a similar device already exists. The outcome replaces the
// cached not-found under key.
func (e *Enricher) autopopulate(ctx context.Context, rec record.Record, side record.Side, key inventory.LookupKey) inventory.Result {
	claim := fmt.Sprintf("%s|%s|%s", key.Kind, key.Site, key.Address)
	if !e.claims.Claim(ctx, claim) {
		metrics.AutopopulateTotal.WithLabelValues("claimed").Inc()
		return inventory.NotFound()
	}

	cand := inventory.Candidate{
		Address:      key.Address,
		MAC:          rec.String(record.Field(side, "mac")),
		Manufacturer: rec.String(record.Field(side, "oui")),
		Hostname:     rec.String(record.Field(side, "domain")),
	}

	existing, err := e.inv.SearchDevices(ctx, cand)
	if err != nil {
		metrics.AutopopulateTotal.WithLabelValues("search_failed").Inc()
		e.log.Warnw("device search failed, not creating", "address", cand.Address, "err", err)
		return inventory.NotFound()
	}

	var res inventory.Result
	if m, ok := fuzzy.FindSimilar(cand.Name(), existing, func(d inventory.Device) string { return d.Name }, e.cfg.FuzzyThreshold); ok {
		metrics.AutopopulateTotal.WithLabelValues("matched").Inc()
		e.log.Debugw("candidate matches existing device", "candidate", cand.Name(), "device", m.Item.Name, "score", m.Score)
		d := m.Item
		res = inventory.Result{Found: true, Device: &d}
	} else {
		res, err = e.inv.CreateDevice(ctx, cand, e.cfg.Defaults)
		if err != nil || !res.Found {
			metrics.AutopopulateTotal.WithLabelValues("failed").Inc()
			e.log.Warnw("device auto-population failed", "candidate", cand.Name(), "err", err)
			return inventory.NotFound()
		}
		metrics.AutopopulateTotal.WithLabelValues("created").Inc()
	}
	e.devices.Put(key, res)
	return res
}

func writeSegment(rec record.Record, side record.Side, s *inventory.Segment) {
	rec.Set(record.Field(side, "segment.id"), s.ID)
	rec.SetString(record.Field(side, "segment.name"), s.Name)
	rec.SetString(record.Field(side, "segment.site"), s.Site)
	rec.SetString(record.Field(side, "segment.prefix"), s.Prefix)
}

func writeDevice(rec record.Record, side record.Side, d *inventory.Device) {
	rec.Set(record.Field(side, "device.id"), d.ID)
	rec.SetString(record.Field(side, "device.name"), d.Name)
	rec.SetString(record.Field(side, "device.site"), d.Site)
	rec.SetString(record.Field(side, "device.role"), d.Role)
	rec.SetString(record.Field(side, "device.manufacturer"), d.Manufacturer)
	rec.SetString(record.Field(side, "device.device_type"), d.DeviceType)
	rec.SetString(record.Field(side, "device.service"), d.Service)
	rec.SetString(record.Field(side, "device.url"), d.URL)
}
