package persona

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ID identifies one of the fixed conversation styles.
type ID string

const (
	Default  ID = "default"
	Expert   ID = "expert"
	Creative ID = "creative"
)

// ErrUnknownPersona reports a persona outside the fixed set. This is a
// configuration error: callers must fail the request before any
// inference call is made.
var ErrUnknownPersona = errors.New("unknown persona")

// Template is a structured prompt record. The prompt is assembled by
// concatenation, never by interpreting the user's text, so braces or
// placeholder-like syntax in user input stay inert.
type Template struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	Preamble    string `json:"preamble"`
	RoleMarker  string `json:"role_marker"`
}

var templates = map[ID]Template{
	Default: {
		ID:          Default,
		DisplayName: "Default",
		Preamble:    "You are a helpful AI assistant.",
		RoleMarker:  "AI:",
	},
	Expert: {
		ID:          Expert,
		DisplayName: "Expert",
		Preamble: "You are an expert consultant with deep knowledge across multiple fields.\n" +
			"Please provide detailed, technical responses when appropriate.",
		RoleMarker: "Expert:",
	},
	Creative: {
		ID:          Creative,
		DisplayName: "Creative",
		Preamble: "You are a creative and imaginative AI that thinks outside the box.\n" +
			"Feel free to use metaphors and analogies in your responses.",
		RoleMarker: "Creative AI:",
	},
}

// Parse resolves a persona identifier, case-insensitively.
func Parse(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := templates[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPersona, raw)
	}
	return id, nil
}

// Lookup returns the template for a persona.
func Lookup(id ID) (Template, error) {
	t, ok := templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownPersona, string(id))
	}
	return t, nil
}

// All lists the available templates in stable order.
func All() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render assembles the full prompt for one inference call from the
// windowed history text and the new user input.
func Render(id ID, history, input string) (string, error) {
	t, err := Lookup(id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(t.Preamble)
	b.WriteString("\nCurrent conversation:\n")
	if history != "" {
		b.WriteString(history)
		b.WriteString("\n")
	}
	b.WriteString("Human: ")
	b.WriteString(input)
	b.WriteString("\n")
	b.WriteString(t.RoleMarker)
	return b.String(), nil
}
