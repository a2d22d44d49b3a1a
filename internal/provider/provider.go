package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies one of the supported agent CLIs.
type Provider string

const (
	Codex   Provider = "codex"
	Claude  Provider = "claude"
	Gemini  Provider = "gemini"
	Copilot Provider = "copilot"
)

var ErrUnavailable = errors.New("provider executable not found")

// Supported lists every provider the service can drive.
func Supported() []Provider {
	return []Provider{Codex, Claude, Gemini, Copilot}
}

// Parse normalizes a provider name. The fallback is returned for an empty
// input; an unknown name is an error.
func Parse(name string, fallback Provider) (Provider, error) {
	v := strings.ToLower(strings.TrimSpace(name))
	if v == "" {
		return fallback, nil
	}
	switch Provider(v) {
	case Codex, Claude, Gemini, Copilot:
		return Provider(v), nil
	}
	return "", fmt.Errorf("unsupported provider %q", name)
}

func (p Provider) String() string { return string(p) }
