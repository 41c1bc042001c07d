// Package model defines the core domain types for the publisher:
// runs, packages, merge proposal shadows, publish attempts, and the
// per-role publish modes.
//
// Types correspond directly to database tables and event payloads.
package model

import "fmt"

// Mode is the publish action for a single branch role.
type Mode string

const (
	ModeSkip        Mode = "skip"
	ModeBuildOnly   Mode = "build-only"
	ModePush        Mode = "push"
	ModePushDerived Mode = "push-derived"
	ModePropose     Mode = "propose"
	ModeAttemptPush Mode = "attempt-push"
	ModeBTS         Mode = "bts"
)

// ParseMode validates a mode string. Unknown values are rejected here,
// at configuration/policy load time, rather than at publish time.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSkip, ModeBuildOnly, ModePush, ModePushDerived,
		ModePropose, ModeAttemptPush, ModeBTS:
		return m, nil
	default:
		return "", fmt.Errorf("model: unknown publish mode %q", s)
	}
}

// Terminal reports whether the mode requires no publisher action.
// The bts mode is handled by a separate subsystem entirely.
func (m Mode) Terminal() bool {
	return m == ModeSkip || m == ModeBuildOnly || m == ModeBTS
}
