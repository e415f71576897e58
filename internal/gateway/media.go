package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/vincent-petithory/dataurl"
)

// ErrMediaUnavailable is returned when a media_url cannot be fetched.
var ErrMediaUnavailable = errors.New("media unavailable")

// Media is fetched media content.
type Media struct {
	Data []byte
	Mime string
}

// MediaFetcher resolves http(s) and data: URLs to bytes.
type MediaFetcher struct {
	client   *resty.Client
	maxBytes int64
}

// NewMediaFetcher returns a fetcher with a per-request timeout. maxBytes of
// zero disables the size check.
func NewMediaFetcher(timeout time.Duration, maxBytes int64) *MediaFetcher {
	return &MediaFetcher{
		client:   resty.New().SetTimeout(timeout),
		maxBytes: maxBytes,
	}
}

// Fetch downloads or decodes url.
func (f *MediaFetcher) Fetch(ctx context.Context, url string) (Media, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		decoded, err := dataurl.DecodeString(url)
		if err != nil {
			return Media{}, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return Media{Data: decoded.Data, Mime: decoded.MediaType.ContentType()}, nil
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			return Media{}, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		if resp.IsError() {
			return Media{}, fmt.Errorf("%w: fetch responded %d", ErrMediaUnavailable, resp.StatusCode())
		}
		body := resp.Body()
		if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
			return Media{}, fmt.Errorf("%w: %d bytes exceeds limit", ErrMediaUnavailable, len(body))
		}
		return Media{Data: body, Mime: resp.Header().Get("Content-Type")}, nil
	}
	return Media{}, fmt.Errorf("%w: unsupported url scheme", ErrMediaUnavailable)
}
