package parking

import "time"

// Direction classifies a gate crossing.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Status records the outcome of a crossing in the parking log.
type Status string

const (
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
)

// Reason is the closed enumeration of parking denial reason codes.
type Reason string

const (
	ReasonNoAccess        Reason = "no_access"
	ReasonParkingFull     Reason = "parking_full"
	ReasonVehicleInactive Reason = "vehicle_inactive"
	ReasonAreaInactive    Reason = "area_inactive"
)

var reasonMessages = map[Reason]string{
	ReasonNoAccess:        "No authorized access to this parking area",
	ReasonParkingFull:     "Parking area is full",
	ReasonVehicleInactive: "Vehicle is not active",
	ReasonAreaInactive:    "Parking area is not active",
}

// Message returns the human-readable text for a reason code.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return string(r)
}

// Area is a parking lot with its own capacity pair. Unlike access points
// and zones, the capacity is always a hard cap: a lot has a fixed number
// of spaces.
type Area struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	MaxCapacity  int    `json:"max_capacity"`
	CurrentCount int    `json:"current_count"`
	IsActive     bool   `json:"is_active"`
}

// Available returns the remaining spaces, never negative.
func (a Area) Available() int {
	if remaining := a.MaxCapacity - a.CurrentCount; remaining > 0 {
		return remaining
	}
	return 0
}

// AtCapacity reports whether the area cannot admit another vehicle.
func (a Area) AtCapacity() bool {
	return a.CurrentCount >= a.MaxCapacity
}

// Vehicle is a registered vehicle owned by a resident. The license plate
// is unique per owner.
type Vehicle struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	LicensePlate string    `json:"license_plate"`
	Brand        string    `json:"brand,omitempty"`
	Model        string    `json:"model,omitempty"`
	Color        string    `json:"color,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Access authorizes a vehicle for an area within a date window. At most
// one access exists per (vehicle, area); re-granting updates in place.
// A nil ValidTo is open-ended.
type Access struct {
	ID        int64      `json:"id"`
	VehicleID int64      `json:"vehicle_id"`
	AreaID    int64      `json:"area_id"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// ValidOn reports whether the access covers the given instant. The
// comparison is by calendar date, inclusive on both ends.
func (a Access) ValidOn(at time.Time) bool {
	date := dateOnly(at)
	if date.Before(dateOnly(a.ValidFrom)) {
		return false
	}
	if a.ValidTo != nil && date.After(dateOnly(*a.ValidTo)) {
		return false
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LogEntry is an append-only parking audit record.
type LogEntry struct {
	ID           int64     `json:"id"`
	VehicleID    int64     `json:"vehicle_id"`
	LicensePlate string    `json:"license_plate,omitempty"`
	AreaID       int64     `json:"area_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Direction    Direction `json:"direction"`
	Status       Status    `json:"status"`
	Reason       Reason    `json:"reason,omitempty"`
}

// Decision is the outcome of one parking crossing.
type Decision struct {
	Granted      bool      `json:"granted"`
	Reason       Reason    `json:"reason,omitempty"`
	Message      string    `json:"message"`
	Direction    Direction `json:"direction"`
	AreaID       int64     `json:"area_id"`
	AreaName     string    `json:"area_name,omitempty"`
	LicensePlate string    `json:"license_plate,omitempty"`
}

// AreaStats is the per-area slice of the lot overview.
type AreaStats struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Occupied  int    `json:"occupied"`
	Available int    `json:"available"`
}

// Stats aggregates occupancy across all active areas.
type Stats struct {
	TotalCapacity    int         `json:"total_capacity"`
	CurrentOccupancy int         `json:"current_occupancy"`
	AvailableSpots   int         `json:"available_spots"`
	Areas            []AreaStats `json:"areas"`
}
