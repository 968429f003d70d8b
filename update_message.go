package dashpoll

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
)

// Replaces the content of one document element.
type FieldUpdate struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Appends a batch of points to one series. The batch is handed to AddData as
// a whole, so the repeated-timestamp guard only applies to single-point
// batches.
type SeriesUpdate struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// UpdateMessage is the body of /historical_values and /aggregated_updates.
type UpdateMessage struct {
	Fields []FieldUpdate  `json:"fields,omitempty"`
	Series []SeriesUpdate `json:"series,omitempty"`
}

func (m UpdateMessage) Empty() bool {
	return len(m.Fields) == 0 && len(m.Series) == 0
}

// ParseUpdateMessage decodes a response body. text/plain bodies use the line
// format (see ParseUpdateLines); everything else is treated as JSON.
func ParseUpdateMessage(contentType string, body []byte) (UpdateMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return UpdateMessage{}, nil
	}

	mediaType := ""
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			mediaType = parsed
		}
	}

	if mediaType == "text/plain" {
		return ParseUpdateLines(bytes.NewReader(body))
	}

	var msg UpdateMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return UpdateMessage{}, fmt.Errorf("failed to decode update message: %w", err)
	}

	return msg, nil
}
