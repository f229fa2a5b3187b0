package table

import (
	"fmt"
	"strings"
)

// Row is one logical record: a unique key plus its ordered fields (not
// including the key itself).
type Row struct {
	Key    string
	Fields []string
}

// EncodeSnapshot renders rows as pipe-delimited lines ("key|field1|...\n"),
// UTF-8, no BOM, in the given order. Fails with [ErrDuplicateKey] if a key
// repeats, or [ErrInvalidField] if any field or key contains the column
// separator or a newline.
func EncodeSnapshot(rows []Row) ([]byte, error) {
	seen := make(map[string]bool, len(rows))

	var b strings.Builder

	for _, r := range rows {
		if seen[r.Key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, r.Key)
		}

		seen[r.Key] = true

		if err := validateField(r.Key); err != nil {
			return nil, err
		}

		b.WriteString(r.Key)

		for _, f := range r.Fields {
			if err := validateField(f); err != nil {
				return nil, err
			}

			b.WriteByte('|')
			b.WriteString(f)
		}

		b.WriteByte('\n')
	}

	return []byte(b.String()), nil
}

// DecodeSnapshot parses pipe-delimited snapshot bytes into ordered rows.
// The first field of each line is the row key; the rest are its fields.
func DecodeSnapshot(data []byte) ([]Row, error) {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	rows := make([]Row, 0, len(lines))
	seen := make(map[string]bool, len(lines))

	for _, line := range lines {
		fields := strings.Split(line, "|")

		key := fields[0]
		if key == "" {
			return nil, fmt.Errorf("%w: empty row key", ErrParseError)
		}

		if seen[key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}

		seen[key] = true

		rows = append(rows, Row{Key: key, Fields: fields[1:]})
	}

	return rows, nil
}

func validateField(f string) error {
	if strings.ContainsAny(f, "|\n") {
		return fmt.Errorf("%w: %q contains the column separator or a newline", ErrInvalidField, f)
	}

	return nil
}
