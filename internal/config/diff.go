package config

import (
	"slices"

	"github.com/colloquyhq/colloquy/internal/persona"
)

// RosterDiff describes what changed between two persona rosters.
type RosterDiff struct {
	PersonasChanged bool          // true if any persona was added, removed, or edited
	PersonaChanges  []PersonaDiff // per-persona diffs
	SettingsChanged bool          // max_agents_per_turn or memory_window changed
}

// PersonaDiff describes what changed for a single persona between two
// rosters.
type PersonaDiff struct {
	Handle            string
	IdentityChanged   bool // name, prompt, tone, or catchphrases
	SchedulingChanged bool // proactivity, cooldown, or memory window
	APIChanged        bool // inline profile or binding name
	BackgroundChanged bool
	Added             bool
	Removed           bool
}

// Changed reports whether the diff records any difference.
func (d PersonaDiff) Changed() bool {
	return d.Added || d.Removed || d.IdentityChanged || d.SchedulingChanged || d.APIChanged || d.BackgroundChanged
}

// DiffRoster compares old and new persona settings and returns what changed.
// The result drives reload logging and knowledge re-ingestion; unchanged
// personas keep their vector collections untouched.
func DiffRoster(old, new *persona.Settings) RosterDiff {
	d := RosterDiff{}

	if old.MaxAgentsPerTurn != new.MaxAgentsPerTurn || old.MemoryWindow != new.MemoryWindow {
		d.SettingsChanged = true
	}

	oldByHandle := make(map[string]persona.Persona, len(old.Personas))
	for _, p := range old.Personas {
		oldByHandle[p.Handle] = p
	}
	newByHandle := make(map[string]persona.Persona, len(new.Personas))
	for _, p := range new.Personas {
		newByHandle[p.Handle] = p
	}

	for _, np := range new.Personas {
		op, existed := oldByHandle[np.Handle]
		if !existed {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Handle: np.Handle, Added: true})
			continue
		}
		pd := diffPersona(op, np)
		if pd.Changed() {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for _, op := range old.Personas {
		if _, still := newByHandle[op.Handle]; !still {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Handle: op.Handle, Removed: true})
		}
	}

	d.PersonasChanged = len(d.PersonaChanges) > 0
	return d
}

func diffPersona(old, new persona.Persona) PersonaDiff {
	pd := PersonaDiff{Handle: new.Handle}

	if old.Name != new.Name || old.Prompt != new.Prompt || old.Tone != new.Tone ||
		!slices.Equal(old.Catchphrases, new.Catchphrases) {
		pd.IdentityChanged = true
	}
	if old.Proactivity != new.Proactivity || old.Cooldown != new.Cooldown ||
		old.MemoryWindow != new.MemoryWindow {
		pd.SchedulingChanged = true
	}
	if old.APIBinding != new.APIBinding || !equalAPIProfiles(old.API, new.API) {
		pd.APIChanged = true
	}
	if !equalBackgrounds(old.Background, new.Background) {
		pd.BackgroundChanged = true
	}
	return pd
}

func equalAPIProfiles(a, b *persona.APIProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Provider != b.Provider || a.BaseURL != b.BaseURL || a.Model != b.Model || a.APIKey != b.APIKey {
		return false
	}
	if (a.Temperature == nil) != (b.Temperature == nil) {
		return false
	}
	return a.Temperature == nil || *a.Temperature == *b.Temperature
}

func equalBackgrounds(a, b *persona.Background) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
