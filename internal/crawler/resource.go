package crawler

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// ContentType is the closed set of resource kinds the pipeline knows how to handle.
type ContentType string

const (
	ContentHTML  ContentType = "html"
	ContentPDF   ContentType = "pdf"
	ContentImage ContentType = "image"
	ContentOther ContentType = "other"
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".tif": true, ".tiff": true, ".bmp": true, ".webp": true,
}

// skipExtensions are never worth fetching.
var skipExtensions = map[string]bool{
	".css": true, ".js": true, ".ico": true, ".svg": true, ".woff": true, ".woff2": true,
	".ttf": true, ".zip": true, ".gz": true, ".mp3": true, ".mp4": true, ".mov": true,
	".avi": true, ".xml": true, ".json": true, ".rss": true,
}

// Resource is one fetched (or failed) item discovered during a crawl.
type Resource struct {
	URL         string
	Key         string
	Depth       int
	ContentType ContentType
	MIME        string
	Body        []byte
	StatusCode  int
	Err         error
}

func (r Resource) Failed() bool {
	return r.Err != nil
}

// Classify maps a Content-Type header and URL to a ContentType. A specific
// header wins; generic headers fall back to the URL extension.
func Classify(header, rawURL string) ContentType {
	if header != "" {
		mt, _, err := mime.ParseMediaType(header)
		if err == nil {
			switch {
			case mt == "text/html" || mt == "application/xhtml+xml":
				return ContentHTML
			case mt == "application/pdf":
				return ContentPDF
			case strings.HasPrefix(mt, "image/") && mt != "image/svg+xml":
				return ContentImage
			case mt != "application/octet-stream" && mt != "binary/octet-stream":
				return ContentOther
			}
		}
	}
	return classifyExtension(rawURL)
}

func classifyExtension(rawURL string) ContentType {
	ext := extension(rawURL)
	switch {
	case ext == ".pdf":
		return ContentPDF
	case imageExtensions[ext]:
		return ContentImage
	case ext == "" || ext == ".html" || ext == ".htm" || ext == ".php" || ext == ".aspx":
		return ContentHTML
	default:
		return ContentOther
	}
}

// IsDocumentLink reports whether the URL points at a binary document whose
// body is indexed but never parsed for further links.
func IsDocumentLink(rawURL string) bool {
	ext := extension(rawURL)
	return ext == ".pdf" || imageExtensions[ext]
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// Normalize produces the dedup key for a URL: lower-cased, default port,
// query and fragment removed, trailing slash trimmed except for the root.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	p := strings.ToLower(u.EscapedPath())
	if p == "" {
		p = "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return u.Scheme + "://" + host + p, nil
}
