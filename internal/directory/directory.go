// Package directory serves providers from a YAML file and measures
// straight-line distances between known places.
package directory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/internal/campaign"

	"gopkg.in/yaml.v3"
)

const earthRadiusKM = 6371

var ErrUnknownPlace = errors.New("directory: unknown place")

// Entry is one provider as written in the directory file.
type Entry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Phone    string   `yaml:"phone"`
	Address  string   `yaml:"address"`
	Rating   float64  `yaml:"rating"`
	Lat      *float64 `yaml:"lat"`
	Lng      *float64 `yaml:"lng"`
	Services []string `yaml:"services"`
}

type file struct {
	Providers []Entry `yaml:"providers"`
}

// Directory is immutable after construction.
type Directory struct {
	entries []Entry
}

// Load reads a providers file.
func Load(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	seen := make(map[string]bool, len(f.Providers))
	for i, e := range f.Providers {
		switch {
		case strings.TrimSpace(e.ID) == "":
			return nil, fmt.Errorf("directory entry %d: id is required", i)
		case seen[e.ID]:
			return nil, fmt.Errorf("directory entry %d: duplicate id %q", i, e.ID)
		case strings.TrimSpace(e.Phone) == "":
			return nil, fmt.Errorf("directory entry %q: phone is required", e.ID)
		case (e.Lat == nil) != (e.Lng == nil):
			return nil, fmt.Errorf("directory entry %q: lat and lng go together", e.ID)
		}
		seen[e.ID] = true
	}
	return &Directory{entries: f.Providers}, nil
}

func (d *Directory) Len() int { return len(d.entries) }

// Lookup returns providers offering the intent's service, nearest first when
// the intent has coordinates, otherwise best rated first.
func (d *Directory) Lookup(ctx context.Context, intent campaign.Intent, limit int) ([]calltask.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(intent.ServiceType))
	loc := intent.Location
	hasOrigin := loc.Lat != nil && loc.Lng != nil

	var out []calltask.Provider
	for _, e := range d.entries {
		if want != "" && !e.offers(want) {
			continue
		}
		p := calltask.Provider{
			ID:      e.ID,
			Name:    e.Name,
			Phone:   e.Phone,
			Address: e.Address,
			Rating:  e.Rating,
		}
		if hasOrigin && e.Lat != nil {
			km := haversine(*loc.Lat, *loc.Lng, *e.Lat, *e.Lng)
			p.DistanceKM = &km
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].DistanceKM, out[j].DistanceKM
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case (a == nil) != (b == nil):
			return a != nil
		}
		return out[i].Rating > out[j].Rating
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Distance measures origin to destination in km. Either side may be "lat,lng",
// a provider address or a provider name.
func (d *Directory) Distance(ctx context.Context, origin, destination string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lat1, lng1, err := d.resolve(origin)
	if err != nil {
		return 0, apperr.Upstream("distance", err)
	}
	lat2, lng2, err := d.resolve(destination)
	if err != nil {
		return 0, apperr.Upstream("distance", err)
	}
	return haversine(lat1, lng1, lat2, lng2), nil
}

func (d *Directory) resolve(place string) (float64, float64, error) {
	place = strings.TrimSpace(place)
	if lat, lng, ok := parseCoords(place); ok {
		return lat, lng, nil
	}
	for _, e := range d.entries {
		if e.Lat == nil {
			continue
		}
		if strings.EqualFold(e.Address, place) || strings.EqualFold(e.Name, place) {
			return *e.Lat, *e.Lng, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownPlace, place)
}

func (e Entry) offers(service string) bool {
	for _, s := range e.Services {
		if strings.EqualFold(s, service) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Name), service)
}

func parseCoords(s string) (float64, float64, bool) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil || lng < -180 || lng > 180 {
		return 0, 0, false
	}
	return lat, lng, true
}

// haversine is the great-circle distance in km.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
