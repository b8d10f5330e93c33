package uhci

import "errors"

// Transfer error conditions a retired TD can report. A NAK is not an
// error: the controller retries the descriptor on its next pass.
var (
	ErrCRCTimeout = errors.New("CRC or timeout error")
	ErrBitstuff   = errors.New("bit stuffing error")
	ErrBabble     = errors.New("babble detected")
	ErrDataBuffer = errors.New("data buffer error")
	ErrStall      = errors.New("endpoint stalled")
)

// TDError decodes the error bits of a retired TD's control/status word.
// Specific line conditions take precedence over the halt bit, which the
// controller also raises alongside them; a plain halt with no other bit
// set is a function stall. A nil return means the TD completed cleanly.
func TDError(ctrlStatus uint32) error {
	if ctrlStatus&TDStatusErrorMask == 0 {
		return nil
	}
	switch {
	case ctrlStatus&TDStatusBabble != 0:
		return ErrBabble
	case ctrlStatus&TDStatusCRCTimeout != 0:
		return ErrCRCTimeout
	case ctrlStatus&TDStatusBitstuff != 0:
		return ErrBitstuff
	case ctrlStatus&TDStatusDataBuffer != 0:
		return ErrDataBuffer
	default:
		return ErrStall
	}
}
