package visitor

import "time"

// Status is the visitor lifecycle state. Entry and exit transitions are
// driven by the access decision flow; approval and denial are manual.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusInside   Status = "inside"
	StatusOutside  Status = "outside"
)

// Valid reports whether the status is part of the closed enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusInside, StatusOutside:
		return true
	}
	return false
}

// Visitor is a registered guest with a host inside the building.
type Visitor struct {
	ID         int64      `json:"id"`
	FullName   string     `json:"full_name"`
	DocumentID string     `json:"document_id,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	HostUserID int64      `json:"host_user_id"`
	Purpose    string     `json:"purpose,omitempty"`
	Status     Status     `json:"status"`
	EntryTime  *time.Time `json:"entry_time,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AccessGrant is a QR-bearing entry credential for an approved visitor.
// IsUsed records that the grant admitted at least one entry; it does not
// block re-entry after a checkout within the validity window.
type AccessGrant struct {
	ID        int64     `json:"id"`
	VisitorID int64     `json:"visitor_id"`
	QRCode    string    `json:"qr_code"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
	IsUsed    bool      `json:"is_used"`
	ZoneIDs   []int64   `json:"zone_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
