// Package scheduling fires the digest pipeline at configured wall-clock
// times, with a store-backed lease so that at most one replica runs any
// given slot.
package scheduling

import (
	"fmt"
	"time"

	"github.com/aquispe/newsbrief/internal/config"
)

// Slot is one scheduled time of day, already converted to UTC.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// ParseTimes converts "HH:MM" local wall-clock times to UTC slots.
// tzOffset is the operator zone's hour offset from UTC, e.g. -5 for
// Lima.
func ParseTimes(times []string, tzOffset int) ([]Slot, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("scheduling: no schedule times configured")
	}
	slots := make([]Slot, 0, len(times))
	seen := map[Slot]bool{}
	for _, t := range times {
		h, m, err := config.ParseClock(t)
		if err != nil {
			return nil, fmt.Errorf("scheduling: %w", err)
		}
		s := Slot{Hour: ((h-tzOffset)%24 + 24) % 24, Minute: m}
		if seen[s] {
			return nil, fmt.Errorf("scheduling: duplicate slot %s", s)
		}
		seen[s] = true
		slots = append(slots, s)
	}
	return slots, nil
}

// SlotKey names the lease for a slot on a given UTC day.
func SlotKey(s Slot, day time.Time) string {
	return fmt.Sprintf("schedule:%s:%s", s, day.UTC().Format("2006-01-02"))
}

// matches reports whether the instant falls in the slot's minute.
func (s Slot) matches(t time.Time) bool {
	t = t.UTC()
	return t.Hour() == s.Hour && t.Minute() == s.Minute
}
