package analysis

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/anime-shed/growth-kiosk/pkg/models"
)

type captureResponse struct {
	Height  float64    `json:"height"`
	Weight  float64    `json:"weight"`
	Status  statusPair `json:"status"`
	Image   string     `json:"image"`
	Message string     `json:"message"`
}

type calibrationResponse struct {
	Result *float64 `json:"result"`
}

// statusPair decodes the service's [hazScore, label] array.
type statusPair struct {
	HAZScore float64
	Label    string
}

func (s *statusPair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("status: expected [score, label], got %d elements", len(raw))
	}

	var score float64
	if err := json.Unmarshal(raw[0], &score); err != nil {
		// Some service builds send the score as a string
		var text string
		if err := json.Unmarshal(raw[0], &text); err != nil {
			return fmt.Errorf("status score: %w", err)
		}
		if score, err = strconv.ParseFloat(strings.TrimSpace(text), 64); err != nil {
			return fmt.Errorf("status score: %w", err)
		}
	}

	var label string
	if err := json.Unmarshal(raw[1], &label); err != nil {
		return fmt.Errorf("status label: %w", err)
	}

	s.HAZScore = score
	s.Label = label
	return nil
}

// decodeImage accepts plain base64 or a data URI. The extension is png when
// the data URI says so, jpg otherwise.
func decodeImage(encoded string) (models.AnnotatedImage, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return models.AnnotatedImage{}, nil
	}

	meta, payload := "", encoded
	if i := strings.Index(encoded, "base64,"); i >= 0 {
		meta, payload = encoded[:i], encoded[i+len("base64,"):]
	}
	ext := "jpg"
	if strings.Contains(meta, "png") {
		ext = "png"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return models.AnnotatedImage{}, fmt.Errorf("decode image: %w", err)
		}
	}
	return models.AnnotatedImage{Data: data, Ext: ext}, nil
}
