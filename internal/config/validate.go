package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Validate checks path strictly: unknown keys and bad values are errors.
func Validate(path string) error {
	_, err := Load(path)
	return err
}

func validateKeys(data []byte, format Format) error {
	var raw FileConfig
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil {
			if strings.Contains(err.Error(), "not found in type") {
				return fmt.Errorf("%w: %v", ErrUnknownKey, err)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return fmt.Errorf("%w: %s", ErrUnknownKey, strings.TrimSpace(strict.String()))
			}
			var decodeErr *toml.DecodeError
			if errors.As(err, &decodeErr) {
				row, col := decodeErr.Position()
				return fmt.Errorf("parse toml: line %d column %d: %w", row, col, err)
			}
			return fmt.Errorf("parse toml: %w", err)
		}
	}
	return nil
}
