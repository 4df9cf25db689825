package access

import (
	"fmt"
	"strings"
	"time"
)

// Direction classifies a crossing. DirectionNone marks administrative
// audit entries that do not correspond to a physical crossing.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionNone Direction = "none"
)

// Valid reports whether the direction is part of the closed enumeration.
func (d Direction) Valid() bool {
	switch d {
	case DirectionIn, DirectionOut, DirectionNone:
		return true
	}
	return false
}

// Status records the outcome of an attempt in the access log.
type Status string

const (
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// Reason is the closed enumeration of denial reason codes.
type Reason string

const (
	ReasonUnknownCard           Reason = "unknown_card"
	ReasonCardInactive          Reason = "card_inactive"
	ReasonNoPermission          Reason = "no_permission"
	ReasonOutsideTimeWindow     Reason = "outside_time_window"
	ReasonOutsideValidityWindow Reason = "outside_validity_window"
	ReasonCapacityExceeded      Reason = "capacity_exceeded"
	ReasonVisitorNotApproved    Reason = "visitor_not_approved"
	ReasonPointUnauthorized     Reason = "access_point_unauthorized"
	ReasonQRExpired             Reason = "qr_expired"
	ReasonQRInvalid             Reason = "qr_invalid"
)

var reasonMessages = map[Reason]string{
	ReasonUnknownCard:           "Unknown card",
	ReasonCardInactive:          "Card inactive or expired",
	ReasonNoPermission:          "No permission for this zone",
	ReasonOutsideTimeWindow:     "Outside the permitted time window",
	ReasonOutsideValidityWindow: "Outside the permission validity dates",
	ReasonCapacityExceeded:      "Maximum capacity reached",
	ReasonVisitorNotApproved:    "Visitor is not approved for entry",
	ReasonPointUnauthorized:     "Access point not authorized",
	ReasonQRExpired:             "QR code is not valid at this time",
	ReasonQRInvalid:             "QR code is not valid",
}

// Message returns the human-readable text for a reason code.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// AccessPoint is a physical gate. CurrentCount is mutated only by the
// occupancy ledger. MaxCapacity zero means unlimited.
type AccessPoint struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	IsActive     bool      `json:"is_active"`
	MaxCapacity  int       `json:"max_capacity"`
	CurrentCount int       `json:"current_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// AtCapacity reports whether the point cannot admit another entry.
func (p AccessPoint) AtCapacity() bool {
	return p.MaxCapacity > 0 && p.CurrentCount >= p.MaxCapacity
}

// AccessZone groups access points and carries its own capacity pair.
// MaxCapacity zero means unlimited.
type AccessZone struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	MaxCapacity  int     `json:"max_capacity"`
	CurrentCount int     `json:"current_count"`
	PointIDs     []int64 `json:"point_ids,omitempty"`
}

// AtCapacity reports whether the zone cannot admit another entry.
func (z AccessZone) AtCapacity() bool {
	return z.MaxCapacity > 0 && z.CurrentCount >= z.MaxCapacity
}

// Permission grants a user entry to a zone within a daily time window
// and a date validity window. At most one permission exists per
// (user, zone); re-granting updates in place.
type Permission struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	ZoneID    int64      `json:"zone_id"`
	TimeFrom  TimeOfDay  `json:"time_from"`
	TimeTo    TimeOfDay  `json:"time_to"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// LogEntry is an append-only audit record. Entries are never mutated;
// the canonical read order is occurred_at descending.
type LogEntry struct {
	ID            int64     `json:"id"`
	UserID        *int64    `json:"user_id,omitempty"`
	CardID        string    `json:"card_id,omitempty"`
	AccessPointID int64     `json:"access_point_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	Status        Status    `json:"status"`
	Reason        Reason    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Direction     Direction `json:"direction"`
}

// Decision is the outcome of one access attempt.
type Decision struct {
	Granted   bool      `json:"granted"`
	Reason    Reason    `json:"reason,omitempty"`
	Message   string    `json:"message"`
	Direction Direction `json:"direction"`
	PointID   int64     `json:"point_id"`
	PointName string    `json:"point_name,omitempty"`
	ZoneID    int64     `json:"zone_id,omitempty"`
	ZoneName  string    `json:"zone_name,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

// TimeOfDay is a clock time without a date, stored as seconds since
// midnight. Window comparisons are inclusive on both ends.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m, sec int
	switch strings.Count(s, ":") {
	case 1:
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return 0, fmt.Errorf("access: parse time of day %q: %w", s, err)
		}
	case 2:
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
			return 0, fmt.Errorf("access: parse time of day %q: %w", s, err)
		}
	default:
		return 0, fmt.Errorf("access: parse time of day %q: expected HH:MM or HH:MM:SS", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("access: time of day %q out of range", s)
	}
	return TimeOfDay(h*3600 + m*60 + sec), nil
}

// TimeOfDayFrom extracts the clock time of an instant.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(t)/3600, int(t)%3600/60, int(t)%60)
}

// MarshalJSON encodes the time as "HH:MM:SS".
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts "HH:MM" or "HH:MM:SS".
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
