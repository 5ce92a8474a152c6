package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// LEDMask is the 64-bit LED-selection bitmap. It crosses JSON boundaries
// as a decimal string so the value never narrows through float64.
type LEDMask uint64

func (m LEDMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(m), 10))
}

func (m *LEDMask) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Tolerate small integer encodings from older senders.
		var n uint64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("led_selection must be a decimal string or integer: %w", err)
		}
		*m = LEDMask(n)
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("led_selection %q is not a uint64: %w", s, err)
	}
	*m = LEDMask(n)
	return nil
}

// StimProgram is one atomic stimulation configuration, pushed to the
// device as a two-step exchange (arm, then parameter payload).
type StimProgram struct {
	SequenceLength uint8   `json:"sequence_length"`
	LEDSelection   LEDMask `json:"led_selection"`
	Duration       uint16  `json:"duration"`      // ms
	Period         uint16  `json:"period"`        // ms
	PulseWidth     uint16  `json:"pulse_width"`   // ms
	Amplitude      uint8   `json:"amplitude"`     // percent
	PWMFrequency   uint32  `json:"pwm_frequency"` // Hz
	RampUp         uint16  `json:"ramp_up"`       // ms
	RampDown       uint16  `json:"ramp_down"`     // ms
}

func (p StimProgram) Validate() error {
	if p.SequenceLength < 1 {
		return fmt.Errorf("sequence_length must be >= 1, got %d", p.SequenceLength)
	}
	if p.Amplitude > 100 {
		return fmt.Errorf("amplitude must be 0-100 percent, got %d", p.Amplitude)
	}
	if p.Period == 0 {
		return fmt.Errorf("period must be > 0")
	}
	if p.PulseWidth > p.Period {
		return fmt.Errorf("pulse_width %d exceeds period %d", p.PulseWidth, p.Period)
	}
	if p.PWMFrequency == 0 {
		return fmt.Errorf("pwm_frequency must be > 0")
	}
	return nil
}
