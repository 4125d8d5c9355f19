package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []LockRecord{
		{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), MachineID: "hostA-alice", Signature: "c2lnbmF0dXJl"},
		{Timestamp: time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC), MachineID: " spaced host ", Signature: "x"},
		{Timestamp: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC), MachineID: "ünïcode-用户", Signature: ""},
	}
	for _, r := range records {
		got, err := Decode(Encode(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

func TestEncodeFormat(t *testing.T) {
	r := NewLockRecord(time.Date(2026, 10, 14, 12, 0, 0, 999, time.FixedZone("CEST", 2*3600)), "hostA-alice")
	r.Signature = "abc="

	assert.Equal(t, "2026-10-14T10:00:00Z\nhostA-alice\nabc=\n", string(Encode(r)))
	assert.Equal(t, []byte("2026-10-14T10:00:00ZhostA-alice"), r.SigningContent())
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		want    LockRecord
	}{
		{
			name:  "no trailing newline",
			input: "2026-10-14T12:00:00Z\nhostA\nsig",
			want:  LockRecord{Timestamp: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), MachineID: "hostA", Signature: "sig"},
		},
		{
			name:  "crlf",
			input: "2026-10-14T12:00:00Z\r\nhostA\r\nsig\r\n",
			want:  LockRecord{Timestamp: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), MachineID: "hostA", Signature: "sig"},
		},
		{
			name:  "extra lines ignored",
			input: "2026-10-14T12:00:00Z\nhostA\nsig\nextra\n",
			want:  LockRecord{Timestamp: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), MachineID: "hostA", Signature: "sig"},
		},
		{name: "empty", input: "", wantErr: ErrMalformedRecord},
		{name: "two lines", input: "2026-10-14T12:00:00Z\nhostA\n", wantErr: ErrMalformedRecord},
		{name: "bad timestamp", input: "not-a-time\nhostA\nsig\n", wantErr: ErrClock},
		{name: "offset timestamp", input: "2026-10-14T12:00:00+02:00\nhostA\nsig\n", wantErr: ErrClock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	ts := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, LockRecord{Timestamp: ts, MachineID: "hostA", Signature: "s"}.Validate())
	assert.ErrorIs(t, LockRecord{Timestamp: ts, MachineID: ""}.Validate(), ErrMalformedRecord)
	assert.ErrorIs(t, LockRecord{Timestamp: ts, MachineID: "a\nb"}.Validate(), ErrMalformedRecord)
	assert.ErrorIs(t, LockRecord{Timestamp: ts, MachineID: "a", Signature: "s\r"}.Validate(), ErrMalformedRecord)
	assert.ErrorIs(t, LockRecord{MachineID: "a"}.Validate(), ErrClock)
}

func TestFreshness(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	lease := 300 * time.Second

	r := NewLockRecord(now.Add(-60*time.Second), "hostA")
	assert.Equal(t, 60*time.Second, r.Age(now))
	assert.True(t, r.IsFresh(now, lease))

	r = NewLockRecord(now.Add(-lease), "hostA")
	assert.False(t, r.IsFresh(now, lease), "age equal to the lease is stale")

	r = NewLockRecord(now.Add(10*time.Second), "hostA")
	assert.Equal(t, -10*time.Second, r.Age(now))
	assert.True(t, r.IsFresh(now, lease))
}
