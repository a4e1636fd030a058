// Package storage holds the adapters to collaborators that own data this
// service only references: uploaded files and marketplace listings.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"market-chat/contract"
	"market-chat/domain/mimetypes"
	"market-chat/errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var _ contract.AttachmentResolver = (*AttachmentResolver)(nil)

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// AttachmentResolver turns an uploaded file id into its public URL. The
// upload service drops files in dir; only images are accepted.
type AttachmentResolver struct {
	log     *slog.Logger
	dir     string
	baseURL string
}

func NewAttachmentResolver(log *slog.Logger, dir, baseURL string) *AttachmentResolver {
	return &AttachmentResolver{log: log, dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (r *AttachmentResolver) Resolve(_ context.Context, fileID string) (string, error) {
	if !fileIDPattern.MatchString(fileID) || strings.Contains(fileID, "..") {
		return "", fmt.Errorf("%w: malformed file id %q", errors.ErrInvalidAttachment, fileID)
	}
	path := filepath.Join(r.dir, fileID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: unknown file %s", errors.ErrInvalidAttachment, fileID)
		}
		return "", fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a file", errors.ErrInvalidAttachment, fileID)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}
	kind, ok := mimetypes.AcceptedImage(detected.String())
	if !ok {
		return "", fmt.Errorf("%w: %s is %s, not an image", errors.ErrInvalidAttachment, fileID, detected.String())
	}
	r.log.Debug("Attachment resolved", "file_id", fileID, "mime", kind)
	return r.baseURL + "/" + fileID, nil
}
