package record

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---\n"

// Encode serializes a record header and body into frontmatter form.
func Encode(header any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fence)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString(fence)
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Decode splits a record into frontmatter and body, unmarshalling the
// frontmatter into header. A missing or unparseable frontmatter block
// is an error; callers quarantine such records.
func Decode(data []byte, header any) (string, error) {
	fm, body, err := split(data)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal(fm, header); err != nil {
		return "", fmt.Errorf("decode header: %w", err)
	}
	return body, nil
}

// statusHeader is the minimal header shape shared by all record types,
// used for cheap status filtering without a full body parse.
type statusHeader struct {
	Type   string `yaml:"type"`
	Status string `yaml:"status"`
}

// Status extracts the status field from a record without decoding the
// full typed header.
func Status(data []byte) (string, error) {
	var h statusHeader
	if _, err := Decode(data, &h); err != nil {
		return "", err
	}
	if h.Status == "" {
		return "", fmt.Errorf("record has no status field")
	}
	return h.Status, nil
}

// Kind extracts the record type tag.
func Kind(data []byte) (string, error) {
	var h statusHeader
	if _, err := Decode(data, &h); err != nil {
		return "", err
	}
	return h.Type, nil
}

// Patch rewrites selected header fields in place, preserving field
// order, unknown fields and the body byte-for-byte. Keys absent from
// the header are appended at the end of the frontmatter block.
func Patch(data []byte, set map[string]any) ([]byte, error) {
	fm, body, err := split(data)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(fm, &doc); err != nil {
		return nil, fmt.Errorf("patch header: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("patch header: frontmatter is not a mapping")
	}
	mapping := doc.Content[0]
	for key, value := range set {
		setMappingValue(mapping, key, value)
	}
	var buf bytes.Buffer
	buf.WriteString(fence)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(mapping); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString(fence)
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

func setMappingValue(mapping *yaml.Node, key string, value any) {
	var val yaml.Node
	raw, _ := yaml.Marshal(value)
	_ = yaml.Unmarshal(raw, &val)
	node := &val
	if len(val.Content) == 1 {
		node = val.Content[0]
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = node
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		node,
	)
}

func split(data []byte) (frontmatter []byte, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, "---") {
		return nil, "", fmt.Errorf("record has no frontmatter")
	}
	rest := strings.TrimPrefix(text, "---")
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, "", fmt.Errorf("record frontmatter not terminated")
	}
	fm := rest[:idx+1]
	tail := rest[idx+len("\n---"):]
	tail = strings.TrimPrefix(tail, "\r\n")
	tail = strings.TrimPrefix(tail, "\n")
	return []byte(fm), strings.TrimLeft(tail, "\n"), nil
}
