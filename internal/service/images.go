package service

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/timmy/ringforge/internal/domain"
)

// decodeImage checks that data is a supported raster image and returns it
// with the MIME type of its actual format. Declared types are not trusted.
func decodeImage(data []byte) (Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: unsupported image: %v", domain.ErrInvalidInput, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return Image{}, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}
	return Image{MIME: getMIMEType(format), Data: data}, nil
}

// decodeBase64Image accepts plain base64 or a data: URI.
func decodeBase64Image(s string) (Image, error) {
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		_, after, ok := strings.Cut(payload, ",")
		if !ok {
			return Image{}, fmt.Errorf("%w: malformed data URI", domain.ErrInvalidInput)
		}
		payload = after
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return Image{}, fmt.Errorf("%w: invalid base64 image: %v", domain.ErrInvalidInput, err)
		}
	}
	return decodeImage(data)
}
