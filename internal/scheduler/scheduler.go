// Package scheduler decides which personas speak in a turn and in what
// order.
//
// Scheduling is a pure scoring function over volatile per-session state
// plus a seeded noise source. Given the same state, personas, message and
// seed, NextTurn is deterministic; the seed is exposed for tests.
package scheduler

import (
	"math/rand"
	"regexp"
	"time"
)

// FreshnessWindow bounds how old a user message may be to still count as
// "fresh" for the engagement boost. Messages that waited in the queue
// behind a long turn lose the boost.
const FreshnessWindow = 30 * time.Second

// mentionBoost is added for an explicit @-mention and doubles as the
// selection threshold for rule 1.
const mentionBoost = 100.0

// State is the volatile per-session scheduler state. It is owned
// exclusively by the session's task slot and is recomputed lazily after a
// process restart.
type State struct {
	// TurnCount is the number of completed scheduling turns.
	TurnCount int

	// LastSpeaker is the handle of the persona that spoke last, if any.
	LastSpeaker string

	// Consecutive counts back-to-back selections per persona handle.
	Consecutive map[string]int

	// CooldownUntil maps a persona handle to the turn index before which
	// it is penalised for having just spoken.
	CooldownUntil map[string]int

	// LastSpokeTurn maps a persona handle to the turn in which it last
	// spoke. Absent means the persona has not spoken yet.
	LastSpokeTurn map[string]int

	// ContextTags holds the most recent @-mentions seen, newest last.
	ContextTags []string
}

// NewState returns an empty scheduler state.
func NewState() *State {
	return &State{
		Consecutive:   make(map[string]int),
		CooldownUntil: make(map[string]int),
		LastSpokeTurn: make(map[string]int),
	}
}

// Candidate is one persona as the scheduler sees it.
type Candidate struct {
	// Handle is the @-mentionable slug.
	Handle string

	// Proactivity in [0,1] biases the persona toward speaking up.
	Proactivity float64

	// MaxAgentsPerTurn caps the turn size; the effective cap is the
	// maximum across all candidates.
	MaxAgentsPerTurn int

	// IsDefault marks the fallback speaker for turns where nothing
	// scores positively and nothing is mentioned.
	IsDefault bool
}

// Input is the message-derived input to one scheduling decision.
type Input struct {
	// Message is the triggering user message text.
	Message string

	// Fresh reports whether the message arrived within FreshnessWindow.
	Fresh bool

	// Targets, when non-empty, overrides mention detection with an
	// explicit ordered list of persona handles.
	Targets []string
}

// Scheduler holds the seeded noise source. One scheduler per session;
// not safe for concurrent use (the per-session task slot serialises it).
type Scheduler struct {
	rng  *rand.Rand
	seed int64
}

// New creates a Scheduler with the given noise seed.
func New(seed int64) *Scheduler {
	return &Scheduler{rng: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the seed this scheduler was created with.
func (s *Scheduler) Seed() int64 { return s.seed }

var mentionRe = regexp.MustCompile(`@([a-z0-9_-]+)`)

// Mentions extracts @-mention handles from text in order of appearance,
// deduplicated.
func Mentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// NextTurn selects the personas that speak this turn, in order, and
// updates state in place.
//
// Selection: explicitly mentioned personas are always selected first, in
// mention order. Remaining slots (up to the max MaxAgentsPerTurn across
// the candidates) are filled by the highest-scoring personas with
// non-negative score. If nothing is selected, the default persona speaks;
// if there is none, the turn is empty.
func (s *Scheduler) NextTurn(candidates []Candidate, state *State, in Input) []Candidate {
	if len(candidates) == 0 {
		state.TurnCount++
		return nil
	}

	mentions := in.Targets
	if len(mentions) == 0 {
		mentions = Mentions(in.Message)
	}
	mentioned := make(map[string]int, len(mentions)) // handle -> mention order
	for i, h := range mentions {
		if _, ok := mentioned[h]; !ok {
			mentioned[h] = i
		}
	}

	maxSlots := 1
	byHandle := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byHandle[c.Handle] = c
		if c.MaxAgentsPerTurn > maxSlots {
			maxSlots = c.MaxAgentsPerTurn
		}
	}

	type scored struct {
		c     Candidate
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		score := c.Proactivity
		if _, ok := mentioned[c.Handle]; ok {
			score += mentionBoost
		}
		score += 0.05 * float64(s.turnsSinceLastSpoke(state, c.Handle))
		if state.LastSpeaker != c.Handle && c.Proactivity >= 0.4 {
			score += 0.15
		}
		if in.Fresh && c.Proactivity >= 0.6 {
			score += 0.2
		}
		// noise drawn in candidate order keeps selection reproducible
		score += s.rng.Float64()*0.2 - 0.1
		if state.CooldownUntil[c.Handle] > state.TurnCount {
			score -= 0.6
		}
		score -= 0.3 * float64(state.Consecutive[c.Handle])
		scores = append(scores, scored{c: c, score: score})
	}

	// rule 1: mentions first, in mention order
	var selected []Candidate
	taken := make(map[string]bool)
	for _, h := range mentions {
		if c, ok := byHandle[h]; ok && !taken[h] {
			selected = append(selected, c)
			taken[h] = true
		}
	}

	// rule 2: fill remaining slots with non-negative scorers, best first
	// (stable: candidate order breaks ties)
	for len(selected) < maxSlots {
		best := -1
		for i, sc := range scores {
			if taken[sc.c.Handle] || sc.score < 0 {
				continue
			}
			if best == -1 || sc.score > scores[best].score {
				best = i
			}
		}
		if best == -1 {
			break
		}
		selected = append(selected, scores[best].c)
		taken[scores[best].c.Handle] = true
	}

	// rule 3: default persona fallback
	if len(selected) == 0 {
		for _, c := range candidates {
			if c.IsDefault {
				selected = append(selected, c)
				taken[c.Handle] = true
				break
			}
		}
	}

	// rule 4: state update
	state.TurnCount++
	for _, c := range candidates {
		if taken[c.Handle] {
			state.Consecutive[c.Handle]++
			state.LastSpokeTurn[c.Handle] = state.TurnCount
			state.CooldownUntil[c.Handle] = state.TurnCount + 2
		} else {
			state.Consecutive[c.Handle] = 0
		}
	}
	if len(selected) > 0 {
		state.LastSpeaker = selected[len(selected)-1].Handle
	}
	if tags := Mentions(in.Message); len(tags) > 0 {
		state.ContextTags = append(state.ContextTags, tags...)
		if len(state.ContextTags) > 16 {
			state.ContextTags = state.ContextTags[len(state.ContextTags)-16:]
		}
	}

	return selected
}

// turnsSinceLastSpoke returns how many turns have elapsed since the
// persona last spoke; personas that never spoke accrue the full
// turn count.
func (s *Scheduler) turnsSinceLastSpoke(state *State, handle string) int {
	last, ok := state.LastSpokeTurn[handle]
	if !ok {
		return state.TurnCount
	}
	return state.TurnCount - last
}
