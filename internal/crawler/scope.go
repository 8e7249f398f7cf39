package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Scope decides which discovered links belong to the crawl: same origin as
// the seed, under an optional path prefix, not matching any exclusion.
type Scope struct {
	scheme     string
	host       string
	prefix     string
	exclusions []*regexp.Regexp
}

func NewScope(seed, pathPrefix string, exclusions []string) (*Scope, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid seed url: %q", seed)
	}

	s := &Scope{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Host),
		prefix: strings.ToLower(pathPrefix),
	}
	for _, ex := range exclusions {
		if ex == "" {
			continue
		}
		re, err := regexp.Compile(ex)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion %q: %w", ex, err)
		}
		s.exclusions = append(s.exclusions, re)
	}
	return s, nil
}

// Allows reports whether an absolute link is in scope.
func (s *Scope) Allows(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if strings.ToLower(u.Scheme) != s.scheme || strings.ToLower(u.Host) != s.host {
		return false
	}
	if skipExtensions[strings.ToLower(path.Ext(u.Path))] {
		return false
	}
	if s.prefix != "" && !strings.HasPrefix(strings.ToLower(u.Path), s.prefix) {
		return false
	}
	for _, re := range s.exclusions {
		if re.MatchString(link) {
			return false
		}
	}
	return true
}
