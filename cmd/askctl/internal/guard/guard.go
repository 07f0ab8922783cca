// Package guard decides whether a destination in askctl may be entered.
package guard

import (
	"fmt"
	"strings"
)

// Destination is a place a user can navigate to.
type Destination string

const (
	Landing Destination = "landing"
	Login   Destination = "login"
	Connect Destination = "connect"
	Query   Destination = "query"
)

// Requirement is what a destination needs before it can be entered.
type Requirement int

const (
	RequireNothing Requirement = iota
	RequireIdentity
	RequireIdentityAndConnection
	// RequireAnonymous destinations redirect signed-in users onward.
	RequireAnonymous
)

var requirements = map[Destination]Requirement{
	Landing: RequireNothing,
	Login:   RequireAnonymous,
	Connect: RequireIdentity,
	Query:   RequireIdentityAndConnection,
}

// Outcome is the result of a navigation check.
type Outcome int

const (
	Allow Outcome = iota
	RedirectLogin
	RedirectConnect
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RedirectLogin:
		return "redirect:login"
	case RedirectConnect:
		return "redirect:connect"
	case NotFound:
		return "not-found"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Target returns the destination a redirect points at.
func (o Outcome) Target() (Destination, bool) {
	switch o {
	case RedirectLogin:
		return Login, true
	case RedirectConnect:
		return Connect, true
	default:
		return "", false
	}
}

// Parse maps user input to a destination. Unknown names are returned as-is
// so Check reports NotFound for them.
func Parse(s string) Destination {
	return Destination(strings.ToLower(strings.TrimSpace(s)))
}

// Decide is the pure decision table. Identity is checked before connection:
// a connection token without an identity still goes to login.
func Decide(dest Destination, authenticated, connected bool) Outcome {
	req, ok := requirements[dest]
	if !ok {
		return NotFound
	}
	switch req {
	case RequireAnonymous:
		if authenticated {
			return RedirectConnect
		}
	case RequireIdentity:
		if !authenticated {
			return RedirectLogin
		}
	case RequireIdentityAndConnection:
		if !authenticated {
			return RedirectLogin
		}
		if !connected {
			return RedirectConnect
		}
	}
	return Allow
}

// IdentityState reports whether an identity is held.
type IdentityState interface {
	Authenticated() bool
}

// ConnectionState reports whether a connection token is held.
type ConnectionState interface {
	Connected() bool
}

// Guard evaluates navigation against live session state. Nothing is cached;
// every Check reads both sessions.
type Guard struct {
	identity   IdentityState
	connection ConnectionState
}

func New(identity IdentityState, connection ConnectionState) *Guard {
	return &Guard{identity: identity, connection: connection}
}

// Check decides whether dest may be entered right now.
func (g *Guard) Check(dest Destination) Outcome {
	return Decide(dest, g.identity.Authenticated(), g.connection.Connected())
}

// Resolve follows redirects and returns where navigation to dest ends up.
func (g *Guard) Resolve(dest Destination) (Destination, Outcome) {
	for i := 0; i < len(requirements); i++ {
		out := g.Check(dest)
		next, ok := out.Target()
		if !ok {
			return dest, out
		}
		dest = next
	}
	return dest, g.Check(dest)
}
