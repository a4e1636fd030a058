// Package mimetypes lists the media types an IMAGE_REF attachment may have.
package mimetypes

import "mime"

type MIME string

const (
	Unknown   MIME = "unknown"
	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
	ImageWebP MIME = "image/webp"
	ImageHEIC MIME = "image/heic"
)

// Images are the attachment types accepted in a conversation.
var Images = []MIME{ImagePNG, ImageJPEG, ImageGIF, ImageWebP, ImageHEIC}

// Matches compares a detected media type, parameters ignored, with expected.
func Matches(detected string, expected MIME) bool {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return false
	}
	return mt == string(expected)
}

// AcceptedImage returns the accepted image type detected is, if any.
func AcceptedImage(detected string) (MIME, bool) {
	for _, m := range Images {
		if Matches(detected, m) {
			return m, true
		}
	}
	return Unknown, false
}
