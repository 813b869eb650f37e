package convert

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---")

// splitFrontMatter separates a leading YAML front matter block from the
// markdown body. The block opens with a "---" line at byte 0 and closes at
// the next "---" (or "...") line. ok is false when there is no block.
func splitFrontMatter(content []byte) (front, body []byte, ok bool, err error) {
	first, rest, _ := cutLine(content)
	if !bytes.Equal(bytes.TrimRight(first, " \t\r"), frontMatterDelim) {
		return nil, content, false, nil
	}

	offset := 0

	for len(rest[offset:]) > 0 {
		line, _, _ := cutLine(rest[offset:])
		trimmed := bytes.TrimRight(line, " \t\r")

		if bytes.Equal(trimmed, frontMatterDelim) || bytes.Equal(trimmed, []byte("...")) {
			end := offset + len(line)
			if end < len(rest) {
				end++ // newline
			}

			return rest[:offset], rest[end:], true, nil
		}

		offset += len(line)
		if offset < len(rest) {
			offset++
		}
	}

	return nil, nil, false, fmt.Errorf("%w: unterminated front matter", ErrSchemaViolation)
}

// cutLine returns the bytes before the first newline and the bytes after it.
func cutLine(b []byte) (line, rest []byte, found bool) {
	return bytes.Cut(b, []byte("\n"))
}

// parseFrontMatter decodes a YAML mapping into normalized field values.
func parseFrontMatter(front []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(front)) == 0 {
		return map[string]any{}, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(front, &node); err != nil {
		return nil, fmt.Errorf("%w: front matter: %w", ErrSchemaViolation, err)
	}

	if len(node.Content) == 0 {
		return map[string]any{}, nil
	}

	if node.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: front matter must be a mapping", ErrSchemaViolation)
	}

	var raw map[string]any
	if err := node.Content[0].Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: front matter: %w", ErrSchemaViolation, err)
	}

	v, err := normalizeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}

	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: front matter must be a mapping", ErrSchemaViolation)
	}

	return fields, nil
}
