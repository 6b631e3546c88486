package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTopology is returned by Validate for a topology the pipeline
// cannot safely run against.
var ErrInvalidTopology = errors.New("flow: invalid topology")

// Role identifies a pipeline stage. The set is closed: the pipeline shape
// fixes it at decode, validate and process.
type Role string

const (
	RoleDecoder   Role = "decoder"
	RoleValidator Role = "validator"
	RoleProcessor Role = "processor"
)

// Routing key prefixes. Each stage rewrites the routing key under its own
// prefix so stage patterns partition the topic key space.
const (
	KeyIngestPrefix     = "ingest."
	KeyDecodedPrefix    = "decoded."
	KeyValidPrefix      = "valid."
	KeyDeadLetterPrefix = "deadletter."
)

// IngestKey is the routing key raw messages are published under.
const IngestKey = KeyIngestPrefix + "raw"

// StageBinding declares the queue one stage consumes from, the topic
// pattern that feeds it and the key prefix it forwards under. An empty
// NextKeyPrefix marks the terminal stage.
type StageBinding struct {
	Role          Role
	Queue         string
	Pattern       string
	NextKeyPrefix string
}

// Topology is the declarative agreement between the orchestrator and the
// stages: one fanout exchange for ingestion, one topic exchange for
// inter-stage routing, per-stage queue bindings and a dead-letter queue.
type Topology struct {
	Pipeline          string
	Bindings          []StageBinding
	DeadLetterQueue   string
	DeadLetterPattern string
}

// NewTopology builds the standard decode, validate, process topology for a
// named pipeline. All broker objects are namespaced under the pipeline name.
func NewTopology(pipeline string) Topology {
	return Topology{
		Pipeline: pipeline,
		Bindings: []StageBinding{
			{
				Role:          RoleDecoder,
				Queue:         pipeline + ".decoder",
				Pattern:       KeyIngestPrefix + "#",
				NextKeyPrefix: KeyDecodedPrefix,
			},
			{
				Role:          RoleValidator,
				Queue:         pipeline + ".validator",
				Pattern:       KeyDecodedPrefix + "#",
				NextKeyPrefix: KeyValidPrefix,
			},
			{
				Role:          RoleProcessor,
				Queue:         pipeline + ".processor",
				Pattern:       KeyValidPrefix + "#",
				NextKeyPrefix: "",
			},
		},
		DeadLetterQueue:   pipeline + ".deadletter",
		DeadLetterPattern: KeyDeadLetterPrefix + "#",
	}
}

// FanoutExchange returns the name of the ingestion exchange.
func (t Topology) FanoutExchange() string {
	return t.Pipeline + ".fanout"
}

// TopicExchange returns the name of the inter-stage routing exchange.
func (t Topology) TopicExchange() string {
	return t.Pipeline + ".topic"
}

// Binding returns the stage binding for a role.
func (t Topology) Binding(role Role) (StageBinding, bool) {
	for _, b := range t.Bindings {
		if b.Role == role {
			return b, true
		}
	}
	return StageBinding{}, false
}

// DeadLetterKey returns the routing key dead letters from a role are
// published under.
func (t Topology) DeadLetterKey(role Role) string {
	return KeyDeadLetterPrefix + string(role)
}

// Validate checks the topology for the invariants the pipeline relies on:
// non-empty names and stage patterns that partition the topic key space.
// Overlapping patterns would let two stages consume the same message
// concurrently.
func (t Topology) Validate() error {
	if t.Pipeline == "" {
		return fmt.Errorf("%w: pipeline name is empty", ErrInvalidTopology)
	}
	if len(t.Bindings) == 0 {
		return fmt.Errorf("%w: no stage bindings", ErrInvalidTopology)
	}

	seen := make(map[Role]bool)
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Pattern == "" {
			return fmt.Errorf("%w: stage %s has empty queue or pattern", ErrInvalidTopology, b.Role)
		}
		if seen[b.Role] {
			return fmt.Errorf("%w: duplicate binding for role %s", ErrInvalidTopology, b.Role)
		}
		seen[b.Role] = true
	}

	patterns := make([]string, 0, len(t.Bindings)+1)
	for _, b := range t.Bindings {
		patterns = append(patterns, b.Pattern)
	}
	if t.DeadLetterPattern != "" {
		patterns = append(patterns, t.DeadLetterPattern)
	}
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			if PatternsOverlap(patterns[i], patterns[j]) {
				return fmt.Errorf("%w: patterns %q and %q overlap", ErrInvalidTopology, patterns[i], patterns[j])
			}
		}
	}
	return nil
}

// MatchPattern reports whether a topic pattern matches a routing key, with
// the broker's semantics: * matches one word, # matches zero or more.
func MatchPattern(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if matchWords(pattern[1:], key) {
			return true
		}
		return len(key) > 0 && matchWords(pattern, key[1:])
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// PatternsOverlap reports whether any routing key could match both
// patterns.
func PatternsOverlap(a, b string) bool {
	return overlapWords(strings.Split(a, "."), strings.Split(b, "."))
}

func overlapWords(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 {
		return b[0] == "#" && overlapWords(a, b[1:])
	}
	if len(b) == 0 {
		return a[0] == "#" && overlapWords(a[1:], b)
	}
	if a[0] == "#" {
		return overlapWords(a[1:], b) || overlapWords(a, b[1:])
	}
	if b[0] == "#" {
		return overlapWords(a, b[1:]) || overlapWords(a[1:], b)
	}
	if a[0] == "*" || b[0] == "*" || a[0] == b[0] {
		return overlapWords(a[1:], b[1:])
	}
	return false
}
