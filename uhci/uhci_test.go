package uhci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		pid    uint8
		device uint8
		ep     uint8
		toggle bool
		length int
	}{
		{"in full packet", PIDIn, 1, 1, false, 64},
		{"out with toggle", PIDOut, 127, 15, true, 8},
		{"setup", PIDSetup, 2, 0, false, 8},
		{"zero length", PIDOut, 3, 2, true, 0},
		{"max length", PIDIn, 1, 1, false, 1023},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := EncodeToken(tt.pid, tt.device, tt.ep, tt.toggle, tt.length)
			assert.Equal(t, tt.pid, TokenPID(token))
			assert.Equal(t, tt.device, TokenDevice(token))
			assert.Equal(t, tt.ep, TokenEndpoint(token))
			assert.Equal(t, tt.toggle, TokenToggle(token))
			assert.Equal(t, tt.length, TokenMaxLen(token))
		})
	}
}

func TestLenEncoding(t *testing.T) {
	assert.Equal(t, uint32(lenNull), EncodeLen(0))
	assert.Equal(t, uint32(0), EncodeLen(1))
	assert.Equal(t, uint32(63), EncodeLen(64))

	assert.Equal(t, 0, DecodeLen(EncodeLen(0)))
	assert.Equal(t, 1, DecodeLen(EncodeLen(1)))
	assert.Equal(t, 1023, DecodeLen(EncodeLen(1023)))
}

func TestInitialCtrlStatus(t *testing.T) {
	cs := InitialCtrlStatus(3)
	assert.NotZero(t, cs&TDStatusActive)
	assert.Equal(t, uint32(3), cs&TDStatusErrCountMask>>TDStatusErrCountShift)
	// a descriptor the controller never touched reports zero bytes
	assert.Equal(t, 0, StatusActLen(cs))
}

func TestTDError(t *testing.T) {
	tests := []struct {
		name string
		cs   uint32
		want error
	}{
		{"clean", TDStatusIOC | EncodeLen(64), nil},
		{"nak retries, not an error", TDStatusNAK, nil},
		{"stall only", TDStatusStalled, ErrStall},
		{"crc halts queue", TDStatusCRCTimeout | TDStatusStalled, ErrCRCTimeout},
		{"babble wins over stall", TDStatusBabble | TDStatusStalled, ErrBabble},
		{"bitstuff", TDStatusBitstuff | TDStatusStalled, ErrBitstuff},
		{"data buffer", TDStatusDataBuffer | TDStatusStalled, ErrDataBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == nil {
				require.NoError(t, TDError(tt.cs))
				return
			}
			assert.ErrorIs(t, TDError(tt.cs), tt.want)
		})
	}
}

func TestWordHelpers(t *testing.T) {
	b := make([]byte, 16)
	PutWord(b, 4, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), Word(b, 4))
	// little-endian on the wire
	assert.Equal(t, byte(0xEF), b[4])
	assert.Equal(t, byte(0xDE), b[7])
}
