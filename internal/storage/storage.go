// Package storage keeps the annotated result images of saved examinations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrImageNotFound indicates no image is stored under the key
var ErrImageNotFound = errors.New("image not found")

// ImageStore stores images under slash-separated keys.
type ImageStore interface {
	// PutImage stores data under key, replacing any previous image, and
	// returns the URL the image can be retrieved from
	PutImage(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// GetImage returns the bytes stored under key
	GetImage(ctx context.Context, key string) ([]byte, error)
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid image key %q", key)
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid image key %q", key)
	}
	return nil
}
