package enrich

import (
	"time"

	"github.com/gustycube/netenrich/internal/filter"
	"github.com/gustycube/netenrich/internal/inventory"
)

// Config is built once at startup and never mutated afterwards.
type Config struct {
	Enabled bool
	// Filter selects eligible records. Nil accepts every record.
	Filter      *filter.Filter
	DefaultSite string

	CacheSize     int
	CacheTTL      time.Duration
	NegativeTTL   time.Duration
	SweepInterval time.Duration

	Autopopulate   bool
	LookupService  bool
	FuzzyThreshold int
	Defaults       inventory.Defaults
}
