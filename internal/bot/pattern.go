package bot

import (
	"fmt"
	"math/rand"
	"time"
)

// Pattern shapes how a bot types through a snippet.
type Pattern string

const (
	// Steady types one character per limiter token.
	Steady Pattern = "steady"
	// Burst types in chunks of three to eight characters.
	Burst Pattern = "burst"
	// Stall types steadily but pauses every stallEvery characters.
	Stall Pattern = "stall"
)

const (
	maxChunk   = 8
	stallEvery = 40
)

// Patterns lists every known pattern in a stable order.
var Patterns = []Pattern{Steady, Burst, Stall}

func ParsePattern(s string) (Pattern, error) {
	for _, p := range Patterns {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown pattern %q", s)
}

// step is one keystroke group: wait pause, then advance chars.
type step struct {
	chars int
	pause time.Duration
}

// plan splits length characters into steps. The chars of all steps sum to
// length. stallFor is the pause inserted by Stall.
func (p Pattern) plan(length int, stallFor time.Duration, rng *rand.Rand) []step {
	var steps []step
	for typed := 0; typed < length; {
		s := step{chars: 1}
		switch p {
		case Burst:
			s.chars = 3 + rng.Intn(maxChunk-2)
		case Stall:
			if typed > 0 && typed%stallEvery == 0 {
				s.pause = stallFor
			}
		}
		s.chars = min(s.chars, length-typed)
		typed += s.chars
		steps = append(steps, s)
	}
	return steps
}
