package domain

// Mode is the engine's operating mode.
type Mode string

const (
	// ModeObserve detects and logs opportunities but never submits.
	ModeObserve Mode = "observe"
	// ModeSimulate runs pre-flight simulation but never broadcasts.
	ModeSimulate Mode = "simulate"
	// ModeLive runs the full pipeline.
	ModeLive Mode = "live"
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeObserve, ModeSimulate, ModeLive:
		return Mode(s), true
	}
	return "", false
}
