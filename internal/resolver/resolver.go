package resolver

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"
)

var ErrNoResolver = errors.New("no_resolver")

const fallbackFilename = "download"

type ResolvedTarget struct {
	URL      string
	Headers  map[string]string
	Filename string
}

type Resolver interface {
	CanHandle(rawURL string) bool
	Resolve(ctx context.Context, rawURL string) (*ResolvedTarget, error)
}

type Registry struct {
	resolvers []Resolver
}

func NewRegistry(resolvers ...Resolver) *Registry {
	return &Registry{resolvers: resolvers}
}

// Register appends res; earlier resolvers win when several can handle a URL.
func (r *Registry) Register(res Resolver) {
	if res == nil {
		return
	}
	r.resolvers = append(r.resolvers, res)
}

func (r *Registry) Resolve(ctx context.Context, rawURL string) (*ResolvedTarget, error) {
	for _, res := range r.resolvers {
		if res.CanHandle(rawURL) {
			target, err := res.Resolve(ctx, rawURL)
			if err != nil {
				return nil, err
			}
			if target.Filename == "" {
				target.Filename = FilenameFromURL(target.URL)
			}
			return target, nil
		}
	}
	return nil, ErrNoResolver
}

// NewHTTPResolver returns a pass-through resolver for direct HTTP/HTTPS URLs.
func NewHTTPResolver() Resolver {
	return &httpResolver{}
}

type httpResolver struct{}

func (r *httpResolver) CanHandle(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (r *httpResolver) Resolve(ctx context.Context, rawURL string) (*ResolvedTarget, error) {
	return &ResolvedTarget{
		URL:      rawURL,
		Filename: FilenameFromURL(rawURL),
	}, nil
}

// FilenameFromURL returns the last path segment of rawURL without query or
// fragment, made safe to use as a single file name.
func FilenameFromURL(rawURL string) string {
	var name string
	if u, err := url.Parse(rawURL); err == nil {
		name = strings.Trim(path.Base(u.Path), "/")
	} else {
		name = rawURL
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return SanitizeFilename(name)
}

func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return fallbackFilename
	}
	return name
}
