package channel

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// URLResolver accepts direct media URLs and passes them through unchanged.
// A title is derived from the final path segment when the item carries none.
// Anything that is not an absolute http(s) URL is rejected; search-style
// sources need a dedicated resolver in front of this one.
type URLResolver struct{}

func (URLResolver) Resolve(_ context.Context, source string) (ResolvedMedia, error) {
	s := strings.TrimSpace(source)
	u, err := url.Parse(s)
	if err != nil {
		return ResolvedMedia{}, fmt.Errorf("parse source: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ResolvedMedia{}, fmt.Errorf("unsupported source %q: direct http(s) URLs only", s)
	}
	title := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	if title == "." || title == "/" {
		title = u.Host
	}
	return ResolvedMedia{URL: s, Title: title}, nil
}
