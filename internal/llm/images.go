package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/parleyhq/parley/internal/httpkit"
)

// maxImageBytes bounds images downloaded for providers that only accept
// inline image data.
const maxImageBytes = 20 << 20

// ErrInvalidImageURL is returned by ValidateImageURL.
var ErrInvalidImageURL = errors.New("invalid image url")

var errBadDataURL = errors.New("malformed data URL")

// ValidateImageURL checks that u is an http(s) URL with a host or a
// base64 data: URL that decodes. It does not fetch anything.
func ValidateImageURL(u string) error {
	if strings.HasPrefix(u, "data:") {
		if _, _, err := decodeDataURL(u); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidImageURL, err)
		}
		return nil
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImageURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http, https or data", ErrInvalidImageURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidImageURL)
	}
	return nil
}

// image is a loaded image ready to inline into a provider request.
type image struct {
	data      []byte
	mediaType string
}

// dataURL renders the image as a base64 data: URL.
func (img image) dataURL() string {
	return "data:" + img.mediaType + ";base64," + base64.StdEncoding.EncodeToString(img.data)
}

// loadImages loads every image of messages[i]. Only the newest message
// may fail the call: an image in an older message that can no longer be
// loaded is logged and left out, and the message goes out as text.
func loadImages(ctx context.Context, client *http.Client, logger *slog.Logger, messages []Message, i int) ([]image, error) {
	urls := messages[i].Images()
	if len(urls) == 0 {
		return nil, nil
	}
	newest := i == len(messages)-1

	out := make([]image, 0, len(urls))
	for _, u := range urls {
		data, mediaType, err := loadImage(ctx, client, u)
		if err != nil {
			if newest || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("dropping history image that failed to load",
				"message_index", i,
				"image", imageRef(u),
				"error", err,
			)
			continue
		}
		out = append(out, image{data: data, mediaType: mediaType})
	}
	return out, nil
}

// imageRef shortens data: URLs for logging.
func imageRef(u string) string {
	if meta, _, ok := strings.Cut(u, ","); ok && strings.HasPrefix(u, "data:") {
		return meta + ",..."
	}
	return u
}

// loadImage returns the bytes and media type of an image URL. data:
// URLs are decoded in place; anything else is fetched.
func loadImage(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	if strings.HasPrefix(url, "data:") {
		data, mediaType, err := decodeDataURL(url)
		if err != nil {
			return nil, "", fmt.Errorf("load image: %w", err)
		}
		return data, mediaType, nil
	}
	data, mediaType, err := httpkit.Fetch(ctx, client, url, maxImageBytes)
	if err != nil {
		return nil, "", fmt.Errorf("load image: %w", err)
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return data, mediaType, nil
}

// decodeDataURL handles data:<type>;base64,<payload>.
func decodeDataURL(url string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return nil, "", errBadDataURL
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("%w: only base64 payloads are supported", errBadDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errBadDataURL, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", errBadDataURL)
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return data, mediaType, nil
}
