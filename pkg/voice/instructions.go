package voice

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed data/instructions.yaml
var defaultInstructions []byte

// Facility values substituted into the instruction templates.
type Facility struct {
	Hospital        string
	Hours           string
	EmergencyNumber string
}

type localized struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	SwitchNotice string `yaml:"switch_notice"`
	Emergency    string `yaml:"emergency"`
}

type instructionsDoc struct {
	Version    int                  `yaml:"version"`
	VoiceRules string               `yaml:"voice_rules"`
	Languages  map[string]localized `yaml:"languages"`
}

// Instructions rendered per-language system prompts.
type Instructions struct {
	Version    int
	voiceRules string
	languages  map[string]localized
	fallback   string
}

// LoadInstructions parses an instructions document and renders it for f.
// fallback names the language used when a requested one is missing.
func LoadInstructions(r io.Reader, f Facility, fallback string) (*Instructions, error) {
	var doc instructionsDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse instructions: %w", err)
	}
	if len(doc.Languages) == 0 {
		return nil, errors.New("instructions define no languages")
	}
	if _, ok := doc.Languages[fallback]; !ok {
		return nil, fmt.Errorf("instructions missing fallback language %q", fallback)
	}
	if f.EmergencyNumber == "" {
		f.EmergencyNumber = "911"
	}

	render := func(name, text string) (string, error) {
		tpl, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return "", fmt.Errorf("instructions %s: %w", name, err)
		}
		var b bytes.Buffer
		if err := tpl.Execute(&b, f); err != nil {
			return "", fmt.Errorf("instructions %s: %w", name, err)
		}
		return strings.TrimSpace(b.String()), nil
	}

	ins := &Instructions{Version: doc.Version, languages: make(map[string]localized, len(doc.Languages)), fallback: fallback}
	var err error
	if ins.voiceRules, err = render("voice_rules", doc.VoiceRules); err != nil {
		return nil, err
	}
	for code, l := range doc.Languages {
		out := localized{Name: l.Name}
		if out.Instructions, err = render(code+".instructions", l.Instructions); err != nil {
			return nil, err
		}
		if out.SwitchNotice, err = render(code+".switch_notice", l.SwitchNotice); err != nil {
			return nil, err
		}
		if out.Emergency, err = render(code+".emergency", l.Emergency); err != nil {
			return nil, err
		}
		ins.languages[code] = out
	}
	return ins, nil
}

// DefaultInstructions the embedded document rendered for f.
func DefaultInstructions(f Facility, fallback string) (*Instructions, error) {
	return LoadInstructions(bytes.NewReader(defaultInstructions), f, fallback)
}

func (ins *Instructions) lookup(lang string) localized {
	if l, ok := ins.languages[lang]; ok {
		return l
	}
	return ins.languages[ins.fallback]
}

// For the full session instructions in lang. withNotice appends the
// language-switch notice.
func (ins *Instructions) For(lang string, withNotice bool) string {
	l := ins.lookup(lang)
	parts := []string{l.Instructions, ins.voiceRules}
	if withNotice && l.SwitchNotice != "" {
		parts = append(parts, l.SwitchNotice)
	}
	return strings.Join(parts, "\n\n")
}

// EmergencyMessage spoken when the analysis carries no localized message.
func (ins *Instructions) EmergencyMessage(lang string) string {
	return ins.lookup(lang).Emergency
}

// LanguageName display name, or the code when unknown.
func (ins *Instructions) LanguageName(lang string) string {
	if l, ok := ins.languages[lang]; ok && l.Name != "" {
		return l.Name
	}
	return lang
}
