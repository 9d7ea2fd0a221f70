package types

import (
	"encoding/json"
	"fmt"
)

// DefaultContentField is the key Amazon Chime incoming webhooks read.
const DefaultContentField = "Content"

// ChimePayload is the body posted to a webhook. It serializes to a single
// key object, {"<ContentField>": "<Content>"}.
type ChimePayload struct {
	ContentField string
	Content      string
}

// Field returns the effective JSON key.
func (p ChimePayload) Field() string {
	if p.ContentField == "" {
		return DefaultContentField
	}
	return p.ContentField
}

// MarshalJSON implements json.Marshaler.
func (p ChimePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{p.Field(): p.Content})
}

// UnmarshalJSON reads the content from the configured field. When
// ContentField is unset, a single-key object is accepted under any key.
func (p *ChimePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if p.ContentField != "" {
		content, ok := raw[p.ContentField]
		if !ok {
			return fmt.Errorf("chime payload: missing field %q", p.ContentField)
		}
		p.Content = content
		return nil
	}

	if content, ok := raw[DefaultContentField]; ok {
		p.ContentField = DefaultContentField
		p.Content = content
		return nil
	}
	if len(raw) != 1 {
		return fmt.Errorf("chime payload: expected a single field, got %d", len(raw))
	}
	for k, v := range raw {
		p.ContentField = k
		p.Content = v
	}
	return nil
}
