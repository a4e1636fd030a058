package mimetypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcceptedImage(t *testing.T) {
	tests := []struct {
		name     string
		detected string
		want     MIME
		ok       bool
	}{
		{"PNG", "image/png", ImagePNG, true},
		{"JPEG", "image/jpeg", ImageJPEG, true},
		{"GIF", "image/gif", ImageGIF, true},
		{"WebP", "image/webp", ImageWebP, true},
		{"With parameters", "image/png; charset=binary", ImagePNG, true},

		{"SVG is not accepted", "image/svg+xml", Unknown, false},
		{"PDF", "application/pdf", Unknown, false},
		{"Plain text", "text/plain; charset=utf-8", Unknown, false},
		{"Octet stream", "application/octet-stream", Unknown, false},
		{"Invalid MIME", "not a mime", Unknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			got, ok := AcceptedImage(tt.detected)
			req.Equal(tt.ok, ok)
			req.Equal(tt.want, got)
		})
	}
}
