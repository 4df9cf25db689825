package occupancy

import "time"

// Building is the building-wide occupancy singleton. Its max capacity is
// a hard cap shared by residents and visitors; crossing decisions update
// the counters transactionally, this package reads and administers them.
type Building struct {
	ResidentsCount int       `json:"residents_count"`
	VisitorsCount  int       `json:"visitors_count"`
	MaxCapacity    int       `json:"max_capacity"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Total returns the combined occupant count.
func (b Building) Total() int {
	return b.ResidentsCount + b.VisitorsCount
}

// Available returns the remaining capacity, never negative.
func (b Building) Available() int {
	if remaining := b.MaxCapacity - b.Total(); remaining > 0 {
		return remaining
	}
	return 0
}

// AtCapacity reports whether no further entries can be admitted.
func (b Building) AtCapacity() bool {
	return b.Total() >= b.MaxCapacity
}

// Snapshot is the read model served to dashboards.
type Snapshot struct {
	Building
	Total        int  `json:"total"`
	Available    int  `json:"available"`
	IsAtCapacity bool `json:"is_at_capacity"`
}

// SnapshotOf derives the read model from the stored counters.
func SnapshotOf(b Building) Snapshot {
	return Snapshot{
		Building:     b,
		Total:        b.Total(),
		Available:    b.Available(),
		IsAtCapacity: b.AtCapacity(),
	}
}
