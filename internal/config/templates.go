package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Template renders the default config for kind ("controller" or "remote").
func Template(kind string, format Format) (string, error) {
	role, err := session.ParseRole(kind)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	fc := DefaultFile(role)

	var body []byte
	switch format {
	case FormatYAML:
		body, err = yaml.Marshal(fc)
	default:
		body, err = toml.Marshal(fc)
	}
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return fmt.Sprintf("# agentwire %s config\n%s", roleKey(role), body), nil
}

// WriteTemplate writes the kind template to path in the syntax its extension implies.
func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind, FormatOf(path))
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
