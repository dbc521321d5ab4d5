package delivery

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/pitabwire/util"
)

const (
	contentTypeText   = "text"
	maxFilenameLength = 100
	defaultMediaName  = "attachment"
)

// allowedMediaTypes is the MIME allow-list for forwarded media. Anything
// else is flagged as blocked instead of downloaded.
//
//nolint:gochecknoglobals // package-level constant set
var allowedMediaTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/gif":       {},
	"audio/ogg":       {},
	"audio/mpeg":      {},
	"audio/mp4":       {},
	"audio/amr":       {},
	"audio/wav":       {},
	"video/mp4":       {},
	"video/3gpp":      {},
	"application/pdf": {},
}

//nolint:gochecknoglobals // compiled once
var (
	filenameDisallowed = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	repeatedDots       = regexp.MustCompile(`\.{2,}`)
)

// PayloadConfig tunes media handling during payload construction.
type PayloadConfig struct {
	MediaMaxBytes        int64
	MediaDownloadTimeout time.Duration
}

// PayloadBuilder turns a normalized message into the multipart form body the
// downstream webhook consumes. Media problems never fail the build: the
// payload carries a flag field instead so the text content still arrives.
type PayloadBuilder struct {
	cfg PayloadConfig
}

// NewPayloadBuilder creates a builder with the given media limits.
func NewPayloadBuilder(cfg PayloadConfig) *PayloadBuilder {
	if cfg.MediaMaxBytes <= 0 {
		cfg.MediaMaxBytes = 16 << 20
	}
	if cfg.MediaDownloadTimeout <= 0 {
		cfg.MediaDownloadTimeout = 30 * time.Second
	}
	return &PayloadBuilder{cfg: cfg}
}

// Build returns the multipart body and its content type for a message.
// socket may be nil, in which case media is flagged as download-failed.
func (b *PayloadBuilder) Build(
	ctx context.Context,
	storeID string,
	msg *waproto.Message,
	socket waproto.Socket,
) ([]byte, string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	contentType := contentTypeText
	if msg.HasMedia && msg.MediaType != "" {
		contentType = msg.MediaType
	}

	fields := []struct {
		name  string
		value string
	}{
		{"store_id", storeID},
		{"chat_id", msg.ChatID},
		{"sender_id", msg.SenderID},
		{"message_uid", msg.ID},
		{"content_type", contentType},
		{"is_from_me", strconv.FormatBool(msg.FromMe)},
		{"timestamp", strconv.FormatInt(msg.Timestamp.UnixMilli(), 10)},
	}
	for _, f := range fields {
		if err := form.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}

	if msg.SenderName != "" {
		if err := form.WriteField("customer_name", msg.SenderName); err != nil {
			return nil, "", err
		}
	}
	if msg.Text != "" {
		if err := form.WriteField("text_content", msg.Text); err != nil {
			return nil, "", err
		}
	}

	if msg.HasMedia {
		if err := b.attachMedia(ctx, form, msg, socket); err != nil {
			return nil, "", err
		}
	}

	if err := form.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), form.FormDataContentType(), nil
}

// attachMedia adds the media part, or the flag field describing why it is
// absent. Only form-writer errors propagate; media failures degrade to flags.
func (b *PayloadBuilder) attachMedia(
	ctx context.Context,
	form *multipart.Writer,
	msg *waproto.Message,
	socket waproto.Socket,
) error {
	log := util.Log(ctx).WithFields(map[string]any{
		"message_id": msg.ID,
		"media_type": msg.MediaType,
	})

	if _, allowed := allowedMediaTypes[normalizeMediaType(msg.MediaType)]; !allowed {
		log.Warn("media type not in allow-list, forwarding without media")
		return form.WriteField("media_blocked", "true")
	}

	if msg.MediaLength > 0 && msg.MediaLength > b.cfg.MediaMaxBytes {
		log.WithField("declared_size", msg.MediaLength).Warn("declared media size over limit")
		return form.WriteField("media_too_large", "true")
	}

	if socket == nil {
		return form.WriteField("media_download_failed", "true")
	}

	downloadCtx, cancel := context.WithTimeout(ctx, b.cfg.MediaDownloadTimeout)
	defer cancel()

	data, err := socket.DownloadMedia(downloadCtx, msg)
	if err != nil {
		log.WithError(err).Warn("media download failed, forwarding without media")
		return form.WriteField("media_download_failed", "true")
	}

	if int64(len(data)) > b.cfg.MediaMaxBytes {
		log.WithField("size", len(data)).Warn("downloaded media over size limit")
		return form.WriteField("media_too_large", "true")
	}

	filename := SanitizeFilename(msg.MediaName)
	mimeType := normalizeMediaType(msg.MediaType)

	// The backend reads the overrides from the form fields, not from the
	// part headers, so both carry the same sanitized values
	if err := form.WriteField("media_filename_override", filename); err != nil {
		return err
	}
	if err := form.WriteField("media_mimetype_override", mimeType); err != nil {
		return err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		`form-data; name="media"; filename="`+filename+`"`)
	header.Set("Content-Type", mimeType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// normalizeMediaType strips MIME parameters like codec hints so the
// allow-list matches on the bare type.
func normalizeMediaType(mediaType string) string {
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// SanitizeFilename strips a user-supplied filename down to a safe character
// set, collapses repeated dots and caps the length. An empty or fully
// stripped name gets a generic fallback.
func SanitizeFilename(name string) string {
	name = filenameDisallowed.ReplaceAllString(name, "_")
	name = repeatedDots.ReplaceAllString(name, ".")
	name = strings.Trim(name, "._")

	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	if name == "" {
		return defaultMediaName
	}
	return name
}
