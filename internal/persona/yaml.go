package persona

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the content of a persona YAML file: the persona set plus the
// conversation-wide scheduling defaults.
type Settings struct {
	Personas         []Persona
	MaxAgentsPerTurn int
	MemoryWindow     int
}

// personaFile mirrors the on-disk YAML document.
type personaFile struct {
	Personas []rawPersona `yaml:"personas"`
	Settings struct {
		MaxAgentsPerTurn *int `yaml:"max_agents_per_turn"`
		MemoryWindow     *int `yaml:"memory_window"`
	} `yaml:"settings"`
}

// rawPersona exists because two fields are polymorphic in the file format:
// "api" is either an inline profile mapping or the name of a shared binding,
// and "background" is either a mapping or a bare string of inline content.
type rawPersona struct {
	Persona    `yaml:",inline"`
	API        yaml.Node `yaml:"api"`
	APIBinding string    `yaml:"api_binding"`
	Background yaml.Node `yaml:"background"`
}

// rawBackground carries an optional rag_enabled so a mapping that omits the
// key defaults to enabled.
type rawBackground struct {
	Content    string `yaml:"content"`
	File       string `yaml:"file"`
	Source     string `yaml:"source"`
	RAGEnabled *bool  `yaml:"rag_enabled"`
	TopK       int    `yaml:"rag_top_k"`
}

// LoadFile reads and parses a persona YAML file. Every persona in the result
// is normalised; absent settings fall back to 2 agents per turn and the
// default memory window.
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	settings, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona: parse %s: %w", path, err)
	}
	return settings, nil
}

// Parse parses persona YAML content. See [LoadFile].
func Parse(data []byte) (*Settings, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	personas := make([]Persona, 0, len(file.Personas))
	for i, raw := range file.Personas {
		p := raw.Persona
		if p.Name == "" {
			return nil, fmt.Errorf("persona %d: name is required", i)
		}
		p.APIBinding = raw.APIBinding

		switch raw.API.Kind {
		case 0: // absent
		case yaml.ScalarNode:
			// A bare string names a shared binding.
			var binding string
			if err := raw.API.Decode(&binding); err != nil {
				return nil, fmt.Errorf("persona %q: api: %w", p.Name, err)
			}
			if p.APIBinding == "" {
				p.APIBinding = binding
			}
		case yaml.MappingNode:
			var profile APIProfile
			if err := raw.API.Decode(&profile); err != nil {
				return nil, fmt.Errorf("persona %q: api: %w", p.Name, err)
			}
			p.API = &profile
		default:
			return nil, fmt.Errorf("persona %q: api must be a mapping or a binding name", p.Name)
		}

		switch raw.Background.Kind {
		case 0: // absent
		case yaml.ScalarNode:
			var content string
			if err := raw.Background.Decode(&content); err != nil {
				return nil, fmt.Errorf("persona %q: background: %w", p.Name, err)
			}
			if content != "" {
				p.Background = &Background{Content: content, RAGEnabled: true}
			}
		case yaml.MappingNode:
			var bg rawBackground
			if err := raw.Background.Decode(&bg); err != nil {
				return nil, fmt.Errorf("persona %q: background: %w", p.Name, err)
			}
			enabled := true
			if bg.RAGEnabled != nil {
				enabled = *bg.RAGEnabled
			}
			p.Background = &Background{
				Content:    bg.Content,
				File:       bg.File,
				Source:     bg.Source,
				RAGEnabled: enabled,
				TopK:       bg.TopK,
			}
		default:
			return nil, fmt.Errorf("persona %q: background must be a mapping or inline text", p.Name)
		}

		p.Normalize()
		personas = append(personas, p)
	}

	settings := &Settings{
		Personas:         personas,
		MaxAgentsPerTurn: 2,
		MemoryWindow:     DefaultMemoryWindow,
	}
	if file.Settings.MaxAgentsPerTurn != nil {
		settings.MaxAgentsPerTurn = *file.Settings.MaxAgentsPerTurn
	}
	if file.Settings.MemoryWindow != nil {
		settings.MemoryWindow = *file.Settings.MemoryWindow
	}
	return settings, nil
}
