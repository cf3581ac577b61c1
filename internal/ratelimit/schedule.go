package ratelimit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Tier is a warm-up cap that applies from MinAgeDays until the next tier.
type Tier struct {
	MinAgeDays int `yaml:"min_age_days" json:"min_age_days"`
	Daily      int `yaml:"daily" json:"daily"`
	Hourly     int `yaml:"hourly" json:"hourly"`
}

// Schedule is an ordered list of tiers. The last tier is the steady-state
// ceiling.
type Schedule []Tier

// DefaultSchedule follows the IP warm-up volumes used for new sending
// accounts, with hourly caps kept at or below the daily cap.
func DefaultSchedule() Schedule {
	return Schedule{
		{MinAgeDays: 0, Daily: 50, Hourly: 50},
		{MinAgeDays: 3, Daily: 100, Hourly: 50},
		{MinAgeDays: 5, Daily: 250, Hourly: 100},
		{MinAgeDays: 8, Daily: 500, Hourly: 150},
		{MinAgeDays: 11, Daily: 1000, Hourly: 250},
		{MinAgeDays: 15, Daily: 2500, Hourly: 500},
		{MinAgeDays: 19, Daily: 5000, Hourly: 1000},
		{MinAgeDays: 23, Daily: 10000, Hourly: 2000},
		{MinAgeDays: 27, Daily: 25000, Hourly: 5000},
		{MinAgeDays: 31, Daily: 50000, Hourly: 10000},
	}
}

// TierFor returns the tier for an account of the given age.
func (s Schedule) TierFor(ageDays int) Tier {
	if len(s) == 0 {
		return Tier{}
	}
	tier := s[0]
	for _, t := range s {
		if ageDays < t.MinAgeDays {
			break
		}
		tier = t
	}
	return tier
}

// Validate requires ascending ages starting at zero and caps that never
// shrink as accounts age.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return errors.New("warm-up schedule is empty")
	}
	if s[0].MinAgeDays != 0 {
		return errors.New("warm-up schedule must start at age 0")
	}
	for i, t := range s {
		if t.Daily <= 0 || t.Hourly <= 0 {
			return fmt.Errorf("tier %d: caps must be positive", i)
		}
		if t.Hourly > t.Daily {
			return fmt.Errorf("tier %d: hourly cap %d exceeds daily cap %d", i, t.Hourly, t.Daily)
		}
		if i == 0 {
			continue
		}
		prev := s[i-1]
		if t.MinAgeDays <= prev.MinAgeDays {
			return fmt.Errorf("tier %d: ages must be strictly ascending", i)
		}
		if t.Daily < prev.Daily || t.Hourly < prev.Hourly {
			return fmt.Errorf("tier %d: caps must not decrease with age", i)
		}
	}
	return nil
}

type scheduleFile struct {
	Tiers Schedule `yaml:"tiers"`
}

// ParseSchedule reads a YAML document of the form
//
//	tiers:
//	  - {min_age_days: 0, daily: 50, hourly: 50}
func ParseSchedule(r io.Reader) (Schedule, error) {
	var f scheduleFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode warm-up schedule: %w", err)
	}
	sort.SliceStable(f.Tiers, func(i, j int) bool {
		return f.Tiers[i].MinAgeDays < f.Tiers[j].MinAgeDays
	})
	if err := f.Tiers.Validate(); err != nil {
		return nil, err
	}
	return f.Tiers, nil
}

func LoadScheduleFile(path string) (Schedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSchedule(f)
}
