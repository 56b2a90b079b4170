package inventory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/circuitbreaker"
)

type call struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// fakeNetBox answers a fixed route table and records every request.
type fakeNetBox struct {
	t      *testing.T
	mu     sync.Mutex
	calls  []call
	routes map[string]any // "METHOD /path[?query]" -> JSON body or http status int
	nextID int32
}

func newFake(t *testing.T, routes map[string]any) (*fakeNetBox, *httptest.Server) {
	f := &fakeNetBox{t: t, routes: routes, nextID: 100}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeNetBox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Token secret" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	c := call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		assert.NoError(f.t, json.Unmarshal(b, &c.Body))
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	resp, ok := f.routes[r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery]
	if !ok {
		resp, ok = f.routes[r.Method+" "+r.URL.Path]
	}
	if !ok && r.Method != http.MethodGet {
		// writes echo an id
		resp = map[string]any{"id": atomic.AddInt32(&f.nextID, 1)}
		ok = true
	}
	if !ok {
		resp = map[string]any{"count": 0, "results": []any{}}
	}
	if code, isCode := resp.(int); isCode {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeNetBox) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeNetBox) find(method, path string) []call {
	var out []call
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func newClient(t *testing.T, srv *httptest.Server, mod func(*Options)) *NetBox {
	opts := Options{
		BaseURL:                srv.URL,
		Token:                  "secret",
		Timeout:                500 * time.Millisecond,
		Retries:                1,
		FuzzyThreshold:         90,
		AutoCreateManufacturer: true,
		Breaker:                &circuitbreaker.Config{Threshold: 100, FailureRatio: 1, Timeout: time.Minute},
	}
	if mod != nil {
		mod(&opts)
	}
	nb, err := NewNetBox(opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	return nb
}

func list(items ...any) map[string]any {
	return map[string]any{"count": len(items), "results": items}
}

func TestNewNetBox_RejectsRelativeURL(t *testing.T) {
	_, err := NewNetBox(Options{BaseURL: "netbox:8080"}, zap.NewNop().Sugar())
	assert.Error(t, err)
	_, err = NewNetBox(Options{BaseURL: ""}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestLookupPrefix_MostSpecificWins(t *testing.T) {
	_, srv := newFake(t, map[string]any{
		"GET /api/ipam/prefixes/": list(
			map[string]any{"id": 1, "prefix": "10.0.0.0/8", "description": "corp"},
			map[string]any{"id": 2, "prefix": "10.1.2.0/24", "description": "LAN-A", "site": map[string]any{"id": 3, "name": "HQ", "slug": "hq"}},
			map[string]any{"id": 3, "prefix": "10.1.0.0/16", "description": "campus"},
		),
	})
	nb := newClient(t, srv, nil)

	res := nb.LookupPrefix(context.Background(), "10.1.2.3", "")
	require.True(t, res.Found)
	assert.Equal(t, &Segment{ID: 2, Name: "LAN-A", Site: "HQ", Prefix: "10.1.2.0/24"}, res.Segment)

	// site scoping skips prefixes bound to another site
	res = nb.LookupPrefix(context.Background(), "10.1.2.3", "branch")
	require.True(t, res.Found)
	assert.Equal(t, 3, res.Segment.ID)
}

func TestLookupPrefix_NameFallbacks(t *testing.T) {
	_, srv := newFake(t, map[string]any{
		"GET /api/ipam/prefixes/": list(
			map[string]any{"id": 9, "prefix": "192.168.0.0/16", "vrf": map[string]any{"id": 1, "name": "guest"}},
		),
	})
	nb := newClient(t, srv, nil)
	res := nb.LookupPrefix(context.Background(), "192.168.4.4", "")
	require.True(t, res.Found)
	assert.Equal(t, "guest", res.Segment.Name)
}

func TestLookupPrefix_EmptyIsDefinitiveNotFound(t *testing.T) {
	f, srv := newFake(t, nil)
	nb := newClient(t, srv, nil)

	res := nb.LookupPrefix(context.Background(), "8.8.8.8", "")
	assert.False(t, res.Found)
	assert.False(t, res.Degraded)
	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Query, "contains=8.8.8.8")
}

func TestLookupDevice_WithService(t *testing.T) {
	f, srv := newFake(t, map[string]any{
		"GET /api/ipam/ip-addresses/": list(map[string]any{
			"id": 50, "address": "10.1.2.3/24", "assigned_object_type": "dcim.interface",
			"assigned_object": map[string]any{"id": 7, "name": "eth0", "device": map[string]any{"id": 7, "name": "host-7"}},
		}),
		"GET /api/dcim/devices/7/": map[string]any{
			"id": 7, "name": "host-7", "display_url": "http://netbox/dcim/devices/7/",
			"site":        map[string]any{"id": 1, "name": "HQ", "slug": "hq"},
			"role":        map[string]any{"id": 2, "name": "Server"},
			"device_type": map[string]any{"id": 3, "model": "PowerEdge", "manufacturer": map[string]any{"id": 4, "name": "Dell"}},
		},
		"GET /api/ipam/services/": list(map[string]any{"id": 1, "name": "https", "ports": []int{443}}),
	})
	nb := newClient(t, srv, nil)

	res := nb.LookupDevice(context.Background(), "10.1.2.3", "hq", true, 443)
	require.True(t, res.Found)
	assert.Equal(t, &Device{
		ID: 7, Name: "host-7", Site: "HQ", Role: "Server", Manufacturer: "Dell",
		DeviceType: "PowerEdge", Service: "https", URL: "http://netbox/dcim/devices/7/",
	}, res.Device)

	svc := f.find(http.MethodGet, "/api/ipam/services/")
	require.Len(t, svc, 1)
	assert.Contains(t, svc[0].Query, "device_id=7")
	assert.Contains(t, svc[0].Query, "port=443")
}

func TestLookupDevice_SiteMismatchAndNoService(t *testing.T) {
	f, srv := newFake(t, map[string]any{
		"GET /api/ipam/ip-addresses/": list(map[string]any{
			"id": 50, "address": "10.1.2.3/24",
			"assigned_object": map[string]any{"id": 7, "device": map[string]any{"id": 7}},
		}),
		"GET /api/dcim/devices/7/": map[string]any{"id": 7, "name": "host-7", "site": map[string]any{"id": 1, "name": "HQ", "slug": "hq"}},
	})
	nb := newClient(t, srv, nil)

	res := nb.LookupDevice(context.Background(), "10.1.2.3", "elsewhere", false, 0)
	assert.False(t, res.Found)
	assert.False(t, res.Degraded)

	res = nb.LookupDevice(context.Background(), "10.1.2.3", "HQ", false, 443)
	require.True(t, res.Found)
	assert.Empty(t, f.find(http.MethodGet, "/api/ipam/services/"))
}

func TestLookup_ServerErrorRetriesThenDegrades(t *testing.T) {
	f, srv := newFake(t, map[string]any{"GET /api/ipam/prefixes/": http.StatusServiceUnavailable})
	nb := newClient(t, srv, nil)

	res := nb.LookupPrefix(context.Background(), "10.1.2.3", "")
	assert.False(t, res.Found)
	assert.True(t, res.Degraded)
	assert.Len(t, f.Calls(), 2, "one attempt plus one retry")
}

func TestLookup_ClientErrorIsNotRetried(t *testing.T) {
	f, srv := newFake(t, map[string]any{"GET /api/ipam/ip-addresses/": http.StatusBadRequest})
	nb := newClient(t, srv, nil)

	res := nb.LookupDevice(context.Background(), "10.1.2.3", "", false, 0)
	assert.False(t, res.Found)
	assert.False(t, res.Degraded)
	assert.Len(t, f.Calls(), 1)
}

func TestLookup_ThrottledIsRetriedThenDegrades(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout} {
		f, srv := newFake(t, map[string]any{"GET /api/ipam/prefixes/": code})
		nb := newClient(t, srv, nil)

		res := nb.LookupPrefix(context.Background(), "10.1.2.3", "")
		assert.False(t, res.Found, "status %d", code)
		assert.True(t, res.Degraded, "status %d must not be a definitive miss", code)
		assert.Len(t, f.Calls(), 2, "status %d should be retried", code)
	}
}

func TestLookup_RefusedCredentialsDegrade(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		f, srv := newFake(t, map[string]any{"GET /api/ipam/ip-addresses/": code})
		nb := newClient(t, srv, nil)

		res := nb.LookupDevice(context.Background(), "10.1.2.3", "", false, 0)
		assert.True(t, res.Degraded, "status %d", code)
		assert.Len(t, f.Calls(), 1, "status %d should not be retried", code)
	}
}

func TestLookup_TimeoutDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	nb := newClient(t, srv, func(o *Options) { o.Timeout = 30 * time.Millisecond; o.Retries = 0 })

	start := time.Now()
	res := nb.LookupPrefix(context.Background(), "10.1.2.3", "")
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLookup_BreakerFailsFast(t *testing.T) {
	f, srv := newFake(t, map[string]any{"GET /api/ipam/prefixes/": http.StatusBadGateway})
	nb := newClient(t, srv, func(o *Options) {
		o.Retries = 0
		o.Breaker = &circuitbreaker.Config{Threshold: 2, FailureRatio: 0.5, Timeout: time.Minute}
	})

	for i := 0; i < 5; i++ {
		assert.True(t, nb.LookupPrefix(context.Background(), "10.1.2.3", "").Degraded)
	}
	assert.Len(t, f.Calls(), 2)
}

func TestSearchDevices_MACThenName(t *testing.T) {
	f, srv := newFake(t, map[string]any{
		"GET /api/dcim/devices/": list(
			map[string]any{"id": 1, "name": "switch-1"},
			map[string]any{"id": 2, "name": "switch-2"},
		),
	})
	nb := newClient(t, srv, nil)

	devs, err := nb.SearchDevices(context.Background(), Candidate{Address: "10.0.0.9", MAC: "AA-BB-CC-DD-EE-FF", Hostname: "switch-01"})
	require.NoError(t, err)
	assert.Equal(t, []Device{{ID: 1, Name: "switch-1"}, {ID: 2, Name: "switch-2"}}, devs)

	calls := f.find(http.MethodGet, "/api/dcim/devices/")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Query, "mac_address=aa%3Abb%3Acc%3Add%3Aee%3Aff")
	assert.Contains(t, calls[1].Query, "q=switch-01")
}

func TestCreateDevice_FullObjectModel(t *testing.T) {
	f, srv := newFake(t, map[string]any{
		"GET /api/dcim/sites/":         list(map[string]any{"id": 11, "name": "default"}),
		"GET /api/dcim/device-roles/":  list(map[string]any{"id": 12, "name": "Unspecified"}),
		"GET /api/dcim/manufacturers/": list(map[string]any{"id": 13, "name": "Cisco Systems, Inc."}),
		"POST /api/dcim/devices/": map[string]any{
			"id": 77, "name": "Cisco Systems @ 10.1.2.3",
			"site": map[string]any{"id": 11, "name": "default"},
		},
		"POST /api/dcim/interfaces/":   map[string]any{"id": 78},
		"POST /api/ipam/ip-addresses/": map[string]any{"id": 79},
	})
	nb := newClient(t, srv, nil)

	cand := Candidate{Address: "10.1.2.3", MAC: "00:1B:54:00:00:01", Manufacturer: "Cisco Systems"}
	defs := Defaults{Site: "default", Role: "Unspecified", DeviceType: "Unspecified", Manufacturer: "Unspecified"}
	res, err := nb.CreateDevice(context.Background(), cand, defs)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 77, res.Device.ID)
	assert.Equal(t, "Cisco Systems @ 10.1.2.3", res.Device.Name)
	assert.Equal(t, "Cisco Systems, Inc.", res.Device.Manufacturer)
	assert.Equal(t, "Unspecified", res.Device.Role)
	assert.Equal(t, "Unspecified", res.Device.DeviceType)

	// matched manufacturer, so none created
	assert.Empty(t, f.find(http.MethodPost, "/api/dcim/manufacturers/"))

	dt := f.find(http.MethodPost, "/api/dcim/device-types/")
	require.Len(t, dt, 1)
	assert.EqualValues(t, 13, dt[0].Body["manufacturer"])

	dev := f.find(http.MethodPost, "/api/dcim/devices/")
	require.Len(t, dev, 1)
	assert.EqualValues(t, 11, dev[0].Body["site"])
	assert.EqualValues(t, 12, dev[0].Body["role"])

	ifc := f.find(http.MethodPost, "/api/dcim/interfaces/")
	require.Len(t, ifc, 1)
	assert.Equal(t, "default", ifc[0].Body["name"])
	assert.Equal(t, "other", ifc[0].Body["type"])
	assert.Equal(t, "00:1b:54:00:00:01", ifc[0].Body["mac_address"])

	ip := f.find(http.MethodPost, "/api/ipam/ip-addresses/")
	require.Len(t, ip, 1)
	assert.Equal(t, "10.1.2.3/32", ip[0].Body["address"])
	assert.EqualValues(t, 78, ip[0].Body["assigned_object_id"])

	patch := f.find(http.MethodPatch, "/api/dcim/devices/77/")
	require.Len(t, patch, 1)
	assert.EqualValues(t, 79, patch[0].Body["primary_ip4"])
}

func TestCreateDevice_ManufacturerFallbacks(t *testing.T) {
	routes := map[string]any{
		"GET /api/dcim/manufacturers/":                  list(map[string]any{"id": 13, "name": "Juniper"}),
		"GET /api/dcim/manufacturers/?name=Unspecified": list(),
		"POST /api/dcim/devices/":                       map[string]any{"id": 5, "name": "Acme @ 10.0.0.1"},
	}
	defs := Defaults{Site: "default", Role: "Unspecified", DeviceType: "Unspecified", Manufacturer: "Unspecified"}
	cand := Candidate{Address: "10.0.0.1", Manufacturer: "Acme"}

	t.Run("auto create", func(t *testing.T) {
		f, srv := newFake(t, routes)
		nb := newClient(t, srv, nil)
		res, err := nb.CreateDevice(context.Background(), cand, defs)
		require.NoError(t, err)
		assert.Equal(t, "Acme", res.Device.Manufacturer)
		m := f.find(http.MethodPost, "/api/dcim/manufacturers/")
		require.Len(t, m, 1)
		assert.Equal(t, "acme", m[0].Body["slug"])
	})

	t.Run("default", func(t *testing.T) {
		f, srv := newFake(t, routes)
		nb := newClient(t, srv, func(o *Options) { o.AutoCreateManufacturer = false })
		res, err := nb.CreateDevice(context.Background(), cand, defs)
		require.NoError(t, err)
		assert.Equal(t, "Unspecified", res.Device.Manufacturer)
		m := f.find(http.MethodPost, "/api/dcim/manufacturers/")
		require.Len(t, m, 1, "default manufacturer is created when missing")
		assert.Equal(t, "Unspecified", m[0].Body["name"])
	})
}

func TestCreateDevice_NameCacheAvoidsRepeatResolution(t *testing.T) {
	f, srv := newFake(t, map[string]any{"POST /api/dcim/devices/": map[string]any{"id": 5}})
	nb := newClient(t, srv, nil)
	defs := Defaults{Site: "default", Role: "r", DeviceType: "t", Manufacturer: "m"}

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := nb.CreateDevice(context.Background(), Candidate{Address: ip}, defs)
		require.NoError(t, err)
	}
	assert.Len(t, f.find(http.MethodGet, "/api/dcim/sites/"), 1)
	assert.Len(t, f.find(http.MethodPost, "/api/dcim/sites/"), 1)
	assert.Len(t, f.find(http.MethodPost, "/api/dcim/devices/"), 2)
}

func TestCreateDevice_RejectedIsReported(t *testing.T) {
	_, srv := newFake(t, map[string]any{"POST /api/dcim/devices/": http.StatusBadRequest})
	nb := newClient(t, srv, nil)
	_, err := nb.CreateDevice(context.Background(), Candidate{Address: "10.0.0.1"}, Defaults{Site: "s", Role: "r", DeviceType: "t", Manufacturer: "m"})
	require.ErrorIs(t, err, ErrRejected)
}

func TestCreateDevice_IPv6Primary(t *testing.T) {
	f, srv := newFake(t, map[string]any{"POST /api/dcim/devices/": map[string]any{"id": 5}})
	nb := newClient(t, srv, nil)
	_, err := nb.CreateDevice(context.Background(), Candidate{Address: "fd00::1"}, Defaults{Site: "s", Role: "r", DeviceType: "t", Manufacturer: "m"})
	require.NoError(t, err)

	ip := f.find(http.MethodPost, "/api/ipam/ip-addresses/")
	require.Len(t, ip, 1)
	assert.Equal(t, "fd00::1/128", ip[0].Body["address"])
	patch := f.find(http.MethodPatch, "/api/dcim/devices/5/")
	require.Len(t, patch, 1)
	assert.Contains(t, patch[0].Body, "primary_ip6")
}

func TestPing(t *testing.T) {
	_, srv := newFake(t, map[string]any{"GET /api/status/": map[string]any{"netbox-version": "4.1"}})
	nb := newClient(t, srv, nil)
	assert.NoError(t, nb.Ping(context.Background()))

	bad := newClient(t, srv, func(o *Options) { o.Token = "wrong" })
	err := bad.Ping(context.Background())
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCandidateName(t *testing.T) {
	assert.Equal(t, "host-7", Candidate{Address: "10.0.0.1", Manufacturer: "Dell", Hostname: " host-7 "}.Name())
	assert.Equal(t, "Dell @ 10.0.0.1", Candidate{Address: "10.0.0.1", Manufacturer: "Dell"}.Name())
	assert.Equal(t, "10.0.0.1", Candidate{Address: "10.0.0.1"}.Name())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "cisco-systems-inc", slugify("Cisco Systems, Inc."))
	assert.Equal(t, "unspecified", slugify("  Unspecified "))
	assert.Equal(t, "a-b", slugify("--a__b--"))
	assert.Len(t, slugify(strings.Repeat("ab ", 80)), 100)
}
