// Package uploads prepares local files for sending: attachment metadata,
// content sniffing, image dimension probing and the blob transfer itself.
package uploads

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"murmur/internal/backend"
	"murmur/internal/models"
)

// MaxAttachmentSize caps what a message may carry.
const MaxAttachmentSize = 25 << 20

// Describe reads the file and builds the attachment record for it. Image
// content (sniffed, not extension-based) gets its dimensions probed so
// the conversation view can reserve layout space before the blob loads.
func Describe(path string) (*models.Attachment, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading attachment: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("attachment %s is empty", filepath.Base(path))
	}
	if len(data) > MaxAttachmentSize {
		return nil, nil, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)
	}

	att := &models.Attachment{
		Kind: models.AttachmentFile,
		Name: filepath.Base(path),
		Size: int64(len(data)),
	}
	if strings.HasPrefix(http.DetectContentType(data), "image/") {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err == nil {
			att.Kind = models.AttachmentImage
			att.Width = cfg.Width
			att.Height = cfg.Height
		}
	}
	return att, data, nil
}

// Uploader moves standalone blobs (profile pictures today) through the
// gateway. Message attachments ride the send path instead so a failed
// upload fails the whole send.
type Uploader struct {
	gw backend.Gateway
}

func NewUploader(gw backend.Gateway) *Uploader {
	return &Uploader{gw: gw}
}

// UploadAvatar stores the image at localPath as the user's avatar and
// points the user record at it.
func (u *Uploader) UploadAvatar(ctx context.Context, userID, localPath string, onProgress func(percent int)) (string, error) {
	att, data, err := Describe(localPath)
	if err != nil {
		return "", err
	}
	if att.Kind != models.AttachmentImage {
		return "", fmt.Errorf("avatar must be an image, got %s", att.Name)
	}

	url, err := u.gw.UploadBlob(ctx, backend.AvatarBlobPath(userID), bytes.NewReader(data), att.Size, onProgress)
	if err != nil {
		return "", err
	}
	err = u.gw.Update(ctx, backend.UserPath(userID), map[string]any{
		"avatar_url": url,
	})
	if err != nil {
		return "", err
	}
	return url, nil
}
