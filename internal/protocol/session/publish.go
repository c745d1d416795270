package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPublishKey is the environment key a remote client publishes its
// bound port under.
const DefaultPublishKey = "AGENTWIRE_REMOTE_PORT"

// PublishPort makes port visible under key in the process environment and,
// when file is set, in that file for helpers running in other processes.
func PublishPort(key string, port int, file string) error {
	if strings.TrimSpace(key) == "" {
		key = DefaultPublishKey
	}
	value := strconv.Itoa(port)
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("publish %s: %w", file, err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("publish %s: %w", file, err)
	}
	if err := os.Rename(tmp, file); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", file, err)
	}
	return nil
}

// DiscoverPort reads a published port, preferring file over the environment.
func DiscoverPort(key, file string) (int, bool) {
	if file != "" {
		if raw, err := os.ReadFile(file); err == nil {
			if port, ok := parsePort(string(raw)); ok {
				return port, true
			}
		}
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultPublishKey
	}
	return parsePort(os.Getenv(key))
}

// WithdrawPort clears a publication made by PublishPort.
func WithdrawPort(key, file string) error {
	if strings.TrimSpace(key) == "" {
		key = DefaultPublishKey
	}
	if err := os.Unsetenv(key); err != nil {
		return fmt.Errorf("withdraw %s: %w", key, err)
	}
	if file == "" {
		return nil
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("withdraw %s: %w", file, err)
	}
	return nil
}

func parsePort(raw string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
