// Package inventory talks to the asset-inventory backend. Lookup verbs
// never return errors: a failure is a not-found Result marked Degraded.
package inventory

import (
	"errors"
	"strings"
)

// Kind names a lookup family. Each kind has its own cache.
type Kind string

const (
	KindSegment Kind = "segment"
	KindDevice  Kind = "device"
)

// LookupKey identifies one cacheable lookup. Keys that differ only in
// Site, WantService or Port are distinct.
type LookupKey struct {
	Kind        Kind
	Address     string
	Site        string
	WantService bool
	Port        int
}

// Segment is the smallest prefix enclosing an address.
type Segment struct {
	ID     int
	Name   string
	Site   string
	Prefix string
}

// Device is an inventory device as seen by enrichment.
type Device struct {
	ID           int
	Name         string
	Site         string
	Role         string
	Manufacturer string
	DeviceType   string
	Service      string
	URL          string
}

// Result is a lookup outcome. Found == false is an explicit not-found.
// Degraded marks a not-found caused by a backend failure; it must not be
// cached or acted upon.
type Result struct {
	Found    bool
	Degraded bool
	Segment  *Segment
	Device   *Device
}

// NotFound is a definitive miss.
func NotFound() Result { return Result{} }

// DegradedResult is a miss caused by backend trouble.
func DegradedResult() Result { return Result{Degraded: true} }

// Candidate describes an observed device that the inventory does not know.
type Candidate struct {
	Address      string
	MAC          string
	Manufacturer string
	Hostname     string
}

// Name is the device name used for search and creation.
func (c Candidate) Name() string {
	if h := strings.TrimSpace(c.Hostname); h != "" {
		return h
	}
	if m := strings.TrimSpace(c.Manufacturer); m != "" && c.Address != "" {
		return m + " @ " + c.Address
	}
	return c.Address
}

// Defaults fill in what a Candidate lacks when a device is created.
type Defaults struct {
	Site         string
	Role         string
	DeviceType   string
	Manufacturer string
}

var (
	// ErrUnavailable covers transport failures, timeouts, 408 and 429
	// answers, 5xx responses and an open circuit breaker.
	ErrUnavailable = errors.New("inventory backend unavailable")
	// ErrRejected is a definitive 4xx answer.
	ErrRejected = errors.New("inventory backend rejected request")
	// ErrUnauthorized accompanies ErrRejected on 401 and 403. Lookups
	// refused this way are degraded, not misses.
	ErrUnauthorized = errors.New("inventory credentials refused")
)
