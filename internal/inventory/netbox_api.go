package inventory

import (
	"net"
	"strings"
)

// Wire shapes for the subset of the NetBox REST API the client reads.

type ref struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

type nbPrefix struct {
	ID          int    `json:"id"`
	Prefix      string `json:"prefix"`
	Description string `json:"description"`
	VRF         *ref   `json:"vrf"`
	Site        *ref   `json:"site"`
	// NetBox 4.2 replaced site with a generic scope.
	ScopeType string `json:"scope_type"`
	Scope     *ref   `json:"scope"`
}

func (p nbPrefix) site() *ref {
	if p.Site != nil {
		return p.Site
	}
	if p.ScopeType == "dcim.site" {
		return p.Scope
	}
	return nil
}

type nbIPAddress struct {
	ID                 int    `json:"id"`
	Address            string `json:"address"`
	AssignedObjectType string `json:"assigned_object_type"`
	AssignedObject     *struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Device *ref   `json:"device"`
	} `json:"assigned_object"`
}

type nbDevice struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	DisplayURL string `json:"display_url"`
	Site       *ref   `json:"site"`
	Role       *ref   `json:"role"`
	DeviceRole *ref   `json:"device_role"` // before NetBox 4.0
	DeviceType *struct {
		ID           int    `json:"id"`
		Model        string `json:"model"`
		Manufacturer *ref   `json:"manufacturer"`
	} `json:"device_type"`
}

func (d nbDevice) toDevice() *Device {
	dev := &Device{ID: d.ID, Name: d.Name, URL: d.DisplayURL}
	if dev.URL == "" {
		dev.URL = d.URL
	}
	if d.Site != nil {
		dev.Site = d.Site.Name
	}
	role := d.Role
	if role == nil {
		role = d.DeviceRole
	}
	if role != nil {
		dev.Role = role.Name
	}
	if d.DeviceType != nil {
		dev.DeviceType = d.DeviceType.Model
		if m := d.DeviceType.Manufacturer; m != nil {
			dev.Manufacturer = m.Name
		}
	}
	return dev
}

type nbService struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Ports []int  `json:"ports"`
}

// siteMatches accepts an unscoped object or one whose site name or slug
// matches. An empty site matches everything.
func siteMatches(r *ref, site string) bool {
	if site == "" || r == nil {
		return true
	}
	return strings.EqualFold(r.Name, site) || r.Slug == slugify(site)
}

// slugify produces a NetBox slug: lower-case ASCII letters, digits and
// single dashes, at most 100 characters.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 100 {
		out = strings.TrimRight(out[:100], "-")
	}
	return out
}

func normalizeMAC(s string) string {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return ""
	}
	return hw.String()
}
