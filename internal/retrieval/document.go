package retrieval

import (
	"encoding/json"
	"fmt"
)

// Document is a stored text chunk as returned to callers.
type Document struct {
	ID          string         `json:"id,omitempty"`
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   []float32      `json:"embedding,omitempty"`
}

// Match pairs a document with its distance from the query vector.
// It is encoded as a two-element JSON array: [document, distance].
type Match struct {
	Document Document
	Distance float64
}

func (m Match) MarshalJSON() ([]byte, error) {
	doc := m.Document
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return json.Marshal([2]any{doc, m.Distance})
}

func (m *Match) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("match must be a [document, distance] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &m.Document); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	if err := json.Unmarshal(pair[1], &m.Distance); err != nil {
		return fmt.Errorf("decoding distance: %w", err)
	}
	return nil
}

// Record is a row written to the embeddings table.
type Record struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// decodeMetadata parses a stored cmetadata value. Numbers keep their JSON
// text so filters compare them the way Postgres' ->> does.
func decodeMetadata(raw []byte) (map[string]any, error) {
	meta := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	if err := unmarshalUseNumber(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}
