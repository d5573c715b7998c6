package media

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"
)

// GenerateKey builds the object key for an inbound media file:
// instances/<name>/inbox/<jid>/<yyyy>/<mm>/<dd>/<kind>/<messageId><ext>.
func GenerateKey(instanceName, contactJID, messageID, kind, mimeType string, at time.Time) string {
	jid := strings.NewReplacer("@", "_", ":", "_", "/", "_").Replace(contactJID)
	if kind == "" {
		kind = "document"
	}
	return fmt.Sprintf("instances/%s/inbox/%s/%s/%s/%s/%s/%s%s",
		instanceName,
		jid,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		kind,
		messageID,
		Extension(mimeType),
	)
}

// ThumbnailKey derives the thumbnail key from an object key.
func ThumbnailKey(key string) string {
	if i := strings.LastIndex(key, "."); i > strings.LastIndex(key, "/") {
		key = key[:i]
	}
	return key + "_thumb.jpg"
}

// Extension maps a MIME type to a file extension, ".bin" when unknown.
func Extension(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "mpeg"):
		return ".mp3"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	}
	return ".bin"
}

// DecodePayload decodes inline media. Data URLs carry their own MIME type;
// bare base64 returns an empty one and the caller keeps the payload's.
func DecodePayload(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", fmt.Errorf("inline media is empty")
	}
	if strings.HasPrefix(raw, "data:") {
		du, err := dataurl.DecodeString(raw)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode data URL: %w", err)
		}
		return du.Data, du.MediaType.ContentType(), nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, raw)
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "=")); err != nil {
			return nil, "", fmt.Errorf("failed to decode base64 media: %w", err)
		}
	}
	return data, "", nil
}
