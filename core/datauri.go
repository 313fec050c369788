package core

import (
	"encoding/base64"
	"strings"
)

const dataURLPrefix = "data:"

// IsDataURL reports whether url carries inline image data.
func IsDataURL(url string) bool {
	return strings.HasPrefix(url, dataURLPrefix)
}

// ParseDataURL decodes an inline data URL into an Image. This path never
// touches a cache or the image store. The media type is everything before
// the first semicolon of the segment before the first comma; the payload
// after the comma is base64.
func ParseDataURL(url string) (*Image, error) {
	if !IsDataURL(url) {
		return nil, ErrInvalidDataURL
	}
	meta, payload, found := strings.Cut(url[len(dataURLPrefix):], ",")
	if !found {
		return nil, ErrInvalidDataURL
	}
	contentType := meta
	if i := strings.Index(meta, ";"); i != -1 {
		contentType = meta[:i]
	}
	if contentType == "" {
		// rfc 2397 default
		contentType = "text/plain"
	}
	body, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidDataURL
	}
	return &Image{ContentType: contentType, Body: body}, nil
}
