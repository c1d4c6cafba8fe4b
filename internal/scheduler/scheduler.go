// Package scheduler decides which personas speak in the next step of a group
// conversation.
//
// The scheduler is a stateful but side-effect-free decision procedure: it
// owns per-persona speaking state (last turn, consecutive speaks) and a pair
// of counters, and each [Scheduler.NextTurn] call advances them exactly once.
// It performs no I/O and holds no locks; each session worker owns one
// instance and calls it from its single goroutine.
package scheduler

import (
	"math/rand/v2"
	"sort"
)

// Tunables of the selection procedure.
const (
	// DefaultSilenceThreshold is how many consecutive silent steps count as a
	// stalled conversation.
	DefaultSilenceThreshold = 2

	// baseThreshold is the score a candidate needs to speak unprompted.
	baseThreshold = 0.5
	// silenceThresholdScore replaces baseThreshold once the conversation has
	// stalled.
	silenceThresholdScore = 0.3
	// firstPickFloor is the minimum score for the first unprompted speaker.
	firstPickFloor = 0.4
	// initialLastTurn places every persona far in the past so nobody starts
	// in cooldown.
	initialLastTurn = -10
)

// PersonaState is the scheduler's per-persona record.
type PersonaState struct {
	// Handle identifies the persona.
	Handle string
	// Proactivity in [0,1] is the base score for unprompted speaking.
	Proactivity float64
	// Cooldown is how many turns must pass after speaking before the persona
	// scores again. Values below 1 are treated as 1.
	Cooldown int
	// LastTurn is the turn counter value when the persona last spoke.
	LastTurn int
	// ConsecutiveSpeaks counts uninterrupted speaking steps.
	ConsecutiveSpeaks int
}

// Snapshot is a copy of the scheduler's state for introspection endpoints.
type Snapshot struct {
	Turn             int
	SilenceCount     int
	SilenceThreshold int
	MaxAgents        int
	Personas         []PersonaState
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSilenceThreshold overrides DefaultSilenceThreshold.
func WithSilenceThreshold(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.silenceThreshold = n
		}
	}
}

// WithRand injects the random score jitter source. fn must return values in
// [-0.1, 0.1]; tests inject func() float64 { return 0 } for determinism.
func WithRand(fn func() float64) Option {
	return func(s *Scheduler) {
		s.randFn = fn
	}
}

// Scheduler selects speakers for successive conversation steps.
//
// Scheduler is not safe for concurrent use; each session worker owns one.
type Scheduler struct {
	personas map[string]*PersonaState
	// order keeps registration order so candidate iteration, and therefore
	// tie-breaking, is deterministic.
	order []string

	maxAgents        int
	turn             int
	silenceThreshold int
	silenceCount     int
	randFn           func() float64
}

// New constructs a Scheduler over the given persona states. maxAgents bounds
// the number of speakers per step; zero or negative means all personas.
func New(personas []PersonaState, maxAgents int, opts ...Option) *Scheduler {
	s := &Scheduler{
		personas:         make(map[string]*PersonaState, len(personas)),
		maxAgents:        maxAgents,
		silenceThreshold: DefaultSilenceThreshold,
		randFn: func() float64 {
			return rand.Float64()*0.2 - 0.1
		},
	}
	for _, p := range personas {
		cp := p
		if cp.Cooldown < 1 {
			cp.Cooldown = 1
		}
		cp.LastTurn = initialLastTurn
		cp.ConsecutiveSpeaks = 0
		if _, exists := s.personas[cp.Handle]; exists {
			continue
		}
		s.personas[cp.Handle] = &cp
		s.order = append(s.order, cp.Handle)
	}
	if maxAgents <= 0 {
		s.maxAgents = len(s.order)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NextTurn decides which personas speak next and commits the decision.
//
// contextTags are mention handles in priority order (explicit targets first,
// then mentions parsed from text). lastSpeaker is the handle of the previous
// speaker, or empty. isUserMessage distinguishes a fresh user message from an
// agent-driven continuation step.
//
// The returned slice is ordered: mention order when mentions decided the
// step, descending score otherwise. It is empty when nobody should speak.
func (s *Scheduler) NextTurn(contextTags []string, lastSpeaker string, isUserMessage bool) []string {
	chosen := s.pickMentions(contextTags)
	if len(chosen) == 0 {
		chosen = s.pickByScore(lastSpeaker, isUserMessage)
	}
	s.commit(chosen)
	return chosen
}

// pickMentions applies mention priority: known personas from tags, in order,
// that have not spoken this turn, up to maxAgents.
func (s *Scheduler) pickMentions(tags []string) []string {
	var chosen []string
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if len(chosen) >= s.maxAgents {
			break
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		p, ok := s.personas[tag]
		if !ok {
			continue
		}
		if p.LastTurn >= s.turn {
			continue
		}
		chosen = append(chosen, tag)
	}
	return chosen
}

// pickByScore scores every persona outside its cooldown and applies the
// threshold selection.
func (s *Scheduler) pickByScore(lastSpeaker string, isUserMessage bool) []string {
	type candidate struct {
		handle string
		score  float64
	}
	var candidates []candidate

	for _, handle := range s.order {
		p := s.personas[handle]
		sinceLast := s.turn - p.LastTurn

		// Cooldown is an exclusion, not a penalty.
		if sinceLast <= p.Cooldown {
			continue
		}

		score := p.Proactivity
		if p.ConsecutiveSpeaks >= 2 {
			score -= 0.3 * float64(p.ConsecutiveSpeaks)
		}
		if sinceLast > 5 {
			score += min(0.3, float64(sinceLast)*0.05)
		}
		if lastSpeaker != "" && lastSpeaker != p.Handle && sinceLast > 1 {
			score += 0.15
		}
		if isUserMessage && p.Proactivity > 0.6 {
			score += 0.2
		}
		score += s.randFn()

		candidates = append(candidates, candidate{handle: handle, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	threshold := baseThreshold
	if s.silenceCount >= s.silenceThreshold {
		threshold = silenceThresholdScore
	}

	var chosen []string
	for _, c := range candidates {
		if len(chosen) >= s.maxAgents {
			break
		}
		if len(chosen) == 0 {
			if c.score >= max(firstPickFloor, threshold) {
				chosen = append(chosen, c.handle)
			}
			continue
		}
		if c.score >= threshold+0.1*float64(len(chosen)) {
			chosen = append(chosen, c.handle)
		}
	}

	// A fresh user message always gets at least one responder.
	if len(chosen) == 0 && isUserMessage && len(candidates) > 0 {
		chosen = []string{candidates[0].handle}
	}
	return chosen
}

// commit updates persona state and the counters for the decided step.
func (s *Scheduler) commit(chosen []string) {
	chosenSet := make(map[string]bool, len(chosen))
	for _, h := range chosen {
		chosenSet[h] = true
	}
	for _, handle := range s.order {
		p := s.personas[handle]
		if chosenSet[handle] {
			p.LastTurn = s.turn
			p.ConsecutiveSpeaks++
		} else {
			p.ConsecutiveSpeaks = 0
		}
	}
	if len(chosen) > 0 {
		s.silenceCount = 0
	} else {
		s.silenceCount++
	}
	s.turn++
}

// Snapshot returns a copy of the current state, personas in registration
// order.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Turn:             s.turn,
		SilenceCount:     s.silenceCount,
		SilenceThreshold: s.silenceThreshold,
		MaxAgents:        s.maxAgents,
		Personas:         make([]PersonaState, 0, len(s.order)),
	}
	for _, handle := range s.order {
		snap.Personas = append(snap.Personas, *s.personas[handle])
	}
	return snap
}
