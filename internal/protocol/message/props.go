package message

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidProps  = errors.New("message: invalid props")
	ErrInvalidResult = errors.New("message: invalid result")
)

var propEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, "=", `\=`)

// EncodeProps renders props as sorted key=value lines.
func EncodeProps(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(propEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(propEscaper.Replace(props[k]))
	}
	return b.String()
}

// DecodeProps parses the output of EncodeProps. Blank lines and lines starting
// with '#' are skipped.
func DecodeProps(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, value, err := splitPropLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidProps, i+1, err)
		}
		out[key] = value
	}
	return out, nil
}

func splitPropLine(line string) (string, string, error) {
	var (
		key     strings.Builder
		value   strings.Builder
		cur     = &key
		escaped bool
		split   bool
	)
	for _, r := range line {
		if escaped {
			switch r {
			case 'n':
				cur.WriteByte('\n')
			case 'r':
				cur.WriteByte('\r')
			default:
				cur.WriteRune(r)
			}
			escaped = false
			continue
		}
		switch {
		case r == '\\':
			escaped = true
		case r == '=' && !split:
			split = true
			cur = &value
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return "", "", errors.New("dangling escape")
	}
	if !split {
		return "", "", errors.New("missing '='")
	}
	k := strings.TrimSpace(key.String())
	if k == "" {
		return "", "", errors.New("empty key")
	}
	return k, value.String(), nil
}

// EncodeResult renders "<status>:<info>" for a result frame body.
func EncodeResult(status Status, info string) string {
	return strconv.Itoa(int(status)) + TagSeparator + info
}

func DecodeResult(body string) (Status, string, error) {
	code, info, _ := strings.Cut(body, TagSeparator)
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return StatusNotSet, "", fmt.Errorf("%w: %q", ErrInvalidResult, body)
	}
	return Status(n), info, nil
}
