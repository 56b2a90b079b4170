package enrich

import "github.com/gustycube/netenrich/internal/record"

var relatedFields = []struct {
	target string
	from   []string
}{
	{"related.site", []string{"device.site", "segment.site"}},
	{"related.role", []string{"device.role"}},
	{"related.manufacturer", []string{"device.manufacturer"}},
	{"related.device_type", []string{"device.device_type"}},
	{"related.service", []string{"device.service"}},
	{"related.device_name", []string{"device.name"}},
	{"related.device_id", []string{"device.id"}},
}

// Merge copies per-side attributes into the related.* sets, source before
// destination, and sets network.name from the segment names with the
// destination taking precedence. Running it twice changes nothing.
func Merge(rec record.Record) {
	for _, side := range []record.Side{record.Source, record.Destination} {
		for _, f := range relatedFields {
			vals := make([]string, 0, len(f.from))
			for _, sub := range f.from {
				vals = append(vals, rec.String(record.Field(side, sub)))
			}
			rec.AddToSet(f.target, vals...)
		}
	}
	rec.SetString("network.name", rec.String("source.segment.name"))
	rec.SetString("network.name", rec.String("destination.segment.name"))
}
