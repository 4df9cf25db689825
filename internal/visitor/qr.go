package visitor

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrUnreadableQR reports a scanned value that is neither a payload nor
// a bare token.
var ErrUnreadableQR = errors.New("visitor: unreadable qr value")

// QRPayload is the document encoded into visitor QR codes. Scanners send
// it back verbatim on an attempt.
type QRPayload struct {
	VisitorID int64     `json:"visitor_id"`
	QRCode    string    `json:"qr_code"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
}

// EncodeQR renders the grant as the JSON payload embedded in the QR image.
func EncodeQR(grant AccessGrant) (string, error) {
	payload, err := json.Marshal(QRPayload{
		VisitorID: grant.VisitorID,
		QRCode:    grant.QRCode,
		ValidFrom: grant.ValidFrom,
		ValidTo:   grant.ValidTo,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// ExtractToken normalizes a scanned value to the bare grant token. Older
// scanners deliver the token directly; newer ones deliver the full JSON
// payload.
func ExtractToken(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrUnreadableQR
	}
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	var payload QRPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return "", ErrUnreadableQR
	}
	if payload.QRCode == "" {
		return "", ErrUnreadableQR
	}
	return payload.QRCode, nil
}
