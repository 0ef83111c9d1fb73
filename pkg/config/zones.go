package config

import (
	"fmt"
	"sort"
)

// ZoneConfig constrains which lockers a kiosk may act on. Ranges are
// inclusive [start, end] pairs over locker ids.
type ZoneConfig struct {
	ID         string   `mapstructure:"id" validate:"required"`
	Enabled    bool     `mapstructure:"enabled"`
	RelayCards []int    `mapstructure:"relay_cards"`
	Ranges     [][2]int `mapstructure:"ranges"`
}

// NormalizeZones sorts and merges each zone's ranges in place.
// Overlapping and adjacent intervals collapse into one; an inverted
// interval is a config error.
func NormalizeZones(zones []ZoneConfig) error {
	for i := range zones {
		normalized, err := normalizeRanges(zones[i].Ranges)
		if err != nil {
			return fmt.Errorf("zone %q: %w", zones[i].ID, err)
		}
		zones[i].Ranges = normalized
	}
	return nil
}

func normalizeRanges(ranges [][2]int) ([][2]int, error) {
	if len(ranges) == 0 {
		return ranges, nil
	}
	for _, r := range ranges {
		if r[0] < 1 || r[1] < r[0] {
			return nil, fmt.Errorf("invalid locker range [%d, %d]", r[0], r[1])
		}
	}

	sorted := make([][2]int, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r[0] <= last[1]+1 {
			if r[1] > last[1] {
				last[1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged, nil
}

// Contains reports whether the zone covers a locker id.
func (z *ZoneConfig) Contains(lockerID int) bool {
	for _, r := range z.Ranges {
		if lockerID >= r[0] && lockerID <= r[1] {
			return true
		}
	}
	return false
}

// ZoneFilter returns the locker admission check for a named zone, or
// nil when zones are disabled or the zone is unknown. A nil filter
// admits everything.
func (c *Config) ZoneFilter(zoneID string) func(int) bool {
	if !c.Features.ZonesEnabled || zoneID == "" {
		return nil
	}
	for i := range c.Zones {
		z := &c.Zones[i]
		if z.ID == zoneID && z.Enabled {
			return z.Contains
		}
	}
	return nil
}
