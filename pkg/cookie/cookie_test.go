package cookie

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestIssueDecode_RoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	raw := Issue("COMPUTER-123", clock, NoopBinder{})

	got, err := Decode(raw, NoopBinder{})
	require.NoError(t, err)
	require.Equal(t, "COMPUTER-123", got.ComputerID)
	require.True(t, got.Expiry.Equal(clock.Now().Add(Expiration)))
}

func TestCookie_ExpiredAfterFiveDays(t *testing.T) {
	clock := clockwork.NewFakeClock()
	raw := Issue("COMPUTER-123", clock, NoopBinder{})
	got, err := Decode(raw, NoopBinder{})
	require.NoError(t, err)

	require.False(t, got.Expired(clock.Now().Add(Expiration-time.Minute)))
	require.True(t, got.Expired(clock.Now().Add(Expiration+time.Minute)))
}

type refusingBinder struct{}

func (refusingBinder) Bind(payload []byte) []byte { return payload }
func (refusingBinder) Verify([]byte) bool         { return false }

func TestDecode_FailsBindingVerification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	raw := Issue("COMPUTER-123", clock, NoopBinder{})

	_, err := Decode(raw, refusingBinder{})
	require.Error(t, err)
}

func TestDecode_RejectsTruncatedPayload(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, NoopBinder{})
	require.Error(t, err)
}
