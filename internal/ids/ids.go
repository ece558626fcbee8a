// Package ids generates the identifiers used across processes. Every id is a
// random v4 UUID, optionally prefixed with its kind.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	SessionPrefix = "session_"
	UserPrefix    = "user_"
)

// Generator produces collision-free identifiers. Tests swap it for a
// deterministic sequence.
type Generator interface {
	New() string
}

type uuidGenerator struct{}

func (uuidGenerator) New() string { return uuid.NewString() }

// UUID returns the production generator.
func UUID() Generator { return uuidGenerator{} }

func Session(g Generator) string { return SessionPrefix + g.New() }

func User(g Generator) string { return UserPrefix + g.New() }

func IsSession(id string) bool {
	return strings.HasPrefix(id, SessionPrefix) && len(id) > len(SessionPrefix)
}

func IsUser(id string) bool {
	return strings.HasPrefix(id, UserPrefix) && len(id) > len(UserPrefix)
}
