package capsules

import (
	"time"

	"github.com/soulbox/backend/internal/timecodec"
)

// State enumerates the capsule lifecycle. The set is closed: every reader
// derives state through DeriveState so no two code paths can disagree.
type State string

const (
	// StateActive counts down toward the unlock instant.
	StateActive State = "ACTIVE"
	// StateReady means the unlock instant has passed but no valid code has
	// been entered yet.
	StateReady State = "READY"
	// StateUnlocked is terminal: the code was verified and content released.
	StateUnlocked State = "UNLOCKED"
)

// DeriveState computes the capsule state as a pure function of the stored
// fields and the supplied clock reading. A schedule that fails to combine
// into a real instant derives ACTIVE: bad data must never expose content.
func DeriveState(capsule *Capsule, now time.Time, codec *timecodec.Codec) State {
	if capsule.IsUnlocked {
		return StateUnlocked
	}
	unlockAt, err := codec.Combine(capsule.UnlockDate, capsule.UnlockTime)
	if err != nil {
		return StateActive
	}
	if !now.Before(unlockAt) {
		return StateReady
	}
	return StateActive
}

// Snapshot is a point-in-time status report for one capsule.
type Snapshot struct {
	State             State
	UnlockAt          time.Time
	SecondsRemaining  int64
	AutoUnlockSuspect bool
}

// DeriveSnapshot extends DeriveState with the unlock instant, remaining
// countdown and the auto-unlock suspicion predicate: an unlocked capsule
// whose unlocked_at sits within suspicionWindow of the scheduled instant was
// most likely flipped by elapsed time rather than by code entry. A genuinely
// fast human unlock inside the window is indistinguishable by time alone;
// the window is a tunable heuristic, not a proof.
func DeriveSnapshot(capsule *Capsule, now time.Time, codec *timecodec.Codec, suspicionWindow time.Duration) Snapshot {
	snapshot := Snapshot{State: DeriveState(capsule, now, codec)}

	unlockAt, err := codec.Combine(capsule.UnlockDate, capsule.UnlockTime)
	if err != nil {
		return snapshot
	}
	snapshot.UnlockAt = unlockAt

	if snapshot.State == StateActive {
		remaining := unlockAt.Sub(now)
		if remaining > 0 {
			snapshot.SecondsRemaining = int64(remaining.Seconds())
		}
	}

	if capsule.IsUnlocked && capsule.UnlockedAt != nil {
		drift := capsule.UnlockedAt.Sub(unlockAt)
		if drift < 0 {
			drift = -drift
		}
		snapshot.AutoUnlockSuspect = drift < suspicionWindow
	}

	return snapshot
}
