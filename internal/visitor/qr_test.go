package visitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeQRRoundTrip(t *testing.T) {
	grant := AccessGrant{
		ID:        3,
		VisitorID: 42,
		QRCode:    "8f14e45f-ceea-467f-a0d6-0c1b3c04f1a2",
		ValidFrom: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC),
	}

	encoded, err := EncodeQR(grant)
	require.NoError(t, err)

	var payload QRPayload
	require.NoError(t, json.Unmarshal([]byte(encoded), &payload))
	require.Equal(t, grant.VisitorID, payload.VisitorID)
	require.Equal(t, grant.QRCode, payload.QRCode)
	require.True(t, grant.ValidFrom.Equal(payload.ValidFrom))
	require.True(t, grant.ValidTo.Equal(payload.ValidTo))

	token, err := ExtractToken(encoded)
	require.NoError(t, err)
	require.Equal(t, grant.QRCode, token)
}

func TestExtractTokenBareValue(t *testing.T) {
	token, err := ExtractToken("8f14e45f-ceea-467f-a0d6-0c1b3c04f1a2")
	require.NoError(t, err)
	require.Equal(t, "8f14e45f-ceea-467f-a0d6-0c1b3c04f1a2", token)

	token, err = ExtractToken("  padded-token \n")
	require.NoError(t, err)
	require.Equal(t, "padded-token", token)
}

func TestExtractTokenRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", `{"qr_code":`, `{"visitor_id": 1}`} {
		_, err := ExtractToken(raw)
		require.ErrorIs(t, err, ErrUnreadableQR, "raw %q", raw)
	}
}
