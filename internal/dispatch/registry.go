// Package dispatch turns raw textual commands into typed bus events.
//
// The dispatcher owns the CLI command topic: every textual command — typed
// into the console or arriving over the web bridge's simple command channel —
// lands here, is matched against the registered patterns, shaped by a
// target-specific transform, and emitted on the target topic.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// Response codes for failed commands.
const (
	CodeUnknownCommand  = "unknown_command"
	CodeMissingArgument = "missing_argument"
	CodeInvalidArgument = "invalid_argument"
)

// MissingArgumentError reports a required argument that was not supplied.
type MissingArgumentError struct {
	Field string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing required argument %q", e.Field)
}

// InvalidArgumentError reports an argument with an unacceptable value.
type InvalidArgumentError struct {
	Field string
	Value string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("argument %q has invalid value %q", e.Field, e.Value)
}

// Command is a parsed textual command before its transform runs.
type Command struct {
	// Command and Subcommand are the matched pattern words; Subcommand is
	// empty for one-word patterns.
	Command    string
	Subcommand string

	// Args are the tokens remaining after the pattern.
	Args []string

	Raw       string
	Source    events.CommandSource
	SessionID string
}

// Query joins the args back into the free-text tail of the command.
func (c Command) Query() string { return strings.Join(c.Args, " ") }

// Transform shapes a parsed command into the typed payload for the target
// topic. A nil payload with nil error means the command is handled locally
// and only the acknowledgement message goes back to the caller.
type Transform func(cmd Command) (events.Payload, string, error)

// Registration binds one pattern to a target topic and its transform.
type Registration struct {
	// Pattern is a single word ("status") or a two-word compound
	// ("dj start"). Compounds match greedily before single words.
	Pattern string

	// Topic is the target the shaped payload is emitted on. Informational
	// only when the transform returns a nil payload.
	Topic events.Topic

	Build Transform
}

// Registry is the pattern table. Not safe for concurrent mutation; register
// everything before the dispatcher starts.
type Registry struct {
	patterns map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string]Registration)}
}

// Register adds r to the table. A pattern may be registered once.
func (r *Registry) Register(reg Registration) error {
	pattern := strings.ToLower(strings.TrimSpace(reg.Pattern))
	words := strings.Fields(pattern)
	if len(words) == 0 || len(words) > 2 {
		return fmt.Errorf("dispatch: pattern %q must be one or two words", reg.Pattern)
	}
	if reg.Build == nil {
		return fmt.Errorf("dispatch: pattern %q has no transform", reg.Pattern)
	}
	if _, dup := r.patterns[pattern]; dup {
		return fmt.Errorf("dispatch: pattern %q already registered", reg.Pattern)
	}
	reg.Pattern = pattern
	r.patterns[pattern] = reg
	return nil
}

// Patterns returns the registered patterns sorted, for help output.
func (r *Registry) Patterns() []string {
	out := make([]string, 0, len(r.patterns))
	for p := range r.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ErrNoMatch is returned by [Registry.Match] for unregistered input.
var ErrNoMatch = errors.New("no matching command")

// Match resolves raw input to a registration and parsed command. Two-word
// compounds are tried before one-word patterns, so "play music x" never
// resolves to a bare "play".
func (r *Registry) Match(raw string, source events.CommandSource, sessionID string) (Registration, Command, error) {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return Registration{}, Command{}, ErrNoMatch
	}

	if len(tokens) >= 2 {
		compound := strings.ToLower(tokens[0] + " " + tokens[1])
		if reg, ok := r.patterns[compound]; ok {
			return reg, Command{
				Command:    strings.ToLower(tokens[0]),
				Subcommand: strings.ToLower(tokens[1]),
				Args:       tokens[2:],
				Raw:        raw,
				Source:     source,
				SessionID:  sessionID,
			}, nil
		}
	}

	single := strings.ToLower(tokens[0])
	if reg, ok := r.patterns[single]; ok {
		return reg, Command{
			Command:   single,
			Args:      tokens[1:],
			Raw:       raw,
			Source:    source,
			SessionID: sessionID,
		}, nil
	}

	return Registration{}, Command{}, ErrNoMatch
}
