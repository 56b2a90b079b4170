// Package filter decides which records are candidates for inventory
// enrichment, based on their event.provider and event.dataset.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gustycube/netenrich/internal/record"
)

// All is the wildcard token that makes every record eligible.
const All = "all"

// ErrInvalidDataset is returned for a malformed provider.dataset token.
var ErrInvalidDataset = errors.New("invalid provider.dataset token")

// Filter is immutable once built and safe for concurrent use.
type Filter struct {
	all       bool
	providers map[string]map[string]struct{}
}

// New parses a comma-separated list of provider.dataset tokens, e.g.
// "zeek.conn,suricata.alert". The first dot separates provider from dataset.
func New(datasets string) (*Filter, error) {
	f := &Filter{providers: make(map[string]map[string]struct{})}
	for _, tok := range strings.Split(datasets, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if tok == All {
			f.all = true
			continue
		}
		provider, dataset, ok := strings.Cut(tok, ".")
		provider, dataset = strings.TrimSpace(provider), strings.TrimSpace(dataset)
		if !ok || provider == "" || dataset == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDataset, tok)
		}
		ds, ok := f.providers[provider]
		if !ok {
			ds = make(map[string]struct{})
			f.providers[provider] = ds
		}
		ds[dataset] = struct{}{}
	}
	return f, nil
}

// Wildcard reports whether the filter accepts everything.
func (f *Filter) Wildcard() bool { return f.all }

// Eligible reports whether the pair is in the allow-list. Empty values never
// match a configured entry.
func (f *Filter) Eligible(provider, dataset string) bool {
	if f.all {
		return true
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	dataset = strings.ToLower(strings.TrimSpace(dataset))
	if provider == "" || dataset == "" {
		return false
	}
	ds, ok := f.providers[provider]
	if !ok {
		return false
	}
	_, ok = ds[dataset]
	return ok
}

// Accepts applies Eligible to a record's event.provider and event.dataset.
func (f *Filter) Accepts(r record.Record) bool {
	return f.Eligible(r.String("event.provider"), r.String("event.dataset"))
}
