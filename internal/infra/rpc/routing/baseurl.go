package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidBaseURL is wrapped by every base URL validation failure.
var ErrInvalidBaseURL = errors.New("invalid base url")

// BaseURL is a canonical node address: scheme, host, port and path only.
type BaseURL struct {
	u *url.URL
}

// ParseBaseURL validates raw as a canonical base URL. It rejects relative
// URLs and anything carrying userinfo, a query or a fragment.
func ParseBaseURL(raw string) (BaseURL, error) {
	if raw == "" {
		return BaseURL{}, fmt.Errorf("%w: empty string", ErrInvalidBaseURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return BaseURL{}, fmt.Errorf("%w %q: %v", ErrInvalidBaseURL, raw, err)
	}

	switch {
	case u.Scheme == "" || u.Host == "" || u.Opaque != "":
		return BaseURL{}, fmt.Errorf("%w %q: not an absolute url", ErrInvalidBaseURL, raw)
	case u.User != nil:
		return BaseURL{}, fmt.Errorf("%w %q: must not contain user info", ErrInvalidBaseURL, raw)
	case u.RawQuery != "" || u.ForceQuery:
		return BaseURL{}, fmt.Errorf("%w %q: must not contain a query", ErrInvalidBaseURL, raw)
	case u.Fragment != "":
		return BaseURL{}, fmt.Errorf("%w %q: must not contain a fragment", ErrInvalidBaseURL, raw)
	}

	canonical := &url.URL{
		Scheme:  strings.ToLower(u.Scheme),
		Host:    strings.ToLower(u.Host),
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	return BaseURL{u: canonical}, nil
}

// MustParseBaseURL is like ParseBaseURL but panics on error.
func MustParseBaseURL(raw string) BaseURL {
	b, err := ParseBaseURL(raw)
	if err != nil {
		panic(err)
	}
	return b
}

// URL returns a copy of the underlying URL.
func (b BaseURL) URL() *url.URL {
	if b.u == nil {
		return nil
	}
	cp := *b.u
	return &cp
}

func (b BaseURL) String() string {
	if b.u == nil {
		return ""
	}
	return b.u.String()
}

// Host returns the host (without port).
func (b BaseURL) Host() string {
	if b.u == nil {
		return ""
	}
	return b.u.Hostname()
}

// Equal reports whether b and o name the same node. Hosts are compared
// case-insensitively, a trailing slash is ignored and ws/wss match http/https.
func (b BaseURL) Equal(o BaseURL) bool {
	if b.u == nil || o.u == nil {
		return b.u == o.u
	}
	return httpScheme(b.u.Scheme) == httpScheme(o.u.Scheme) &&
		strings.EqualFold(b.u.Host, o.u.Host) &&
		strings.TrimSuffix(b.u.Path, "/") == strings.TrimSuffix(o.u.Path, "/")
}

// Resolve appends ref's path and query to the base path.
// An absolute ref is returned unchanged.
func (b BaseURL) Resolve(ref *url.URL) *url.URL {
	if ref.IsAbs() {
		cp := *ref
		return &cp
	}
	out := b.URL()
	out.Path = joinPath(out.Path, ref.Path)
	out.RawPath = ""
	out.RawQuery = ref.RawQuery
	return out
}

// IsBaseURLFor reports whether base is a base of candidate: equal scheme,
// host (case-insensitive) and port, and candidate's path starts with base's
// path. ws and wss are matched as http and https.
func IsBaseURLFor(base, candidate *url.URL) bool {
	if base == nil || candidate == nil {
		return false
	}
	if httpScheme(base.Scheme) != httpScheme(candidate.Scheme) {
		return false
	}
	if !strings.EqualFold(base.Hostname(), candidate.Hostname()) {
		return false
	}
	if base.Port() != candidate.Port() {
		return false
	}
	return strings.HasPrefix(candidate.Path, strings.TrimSuffix(base.Path, "/"))
}

// rebase moves current from the from node onto the to node, keeping the path
// suffix and query. Websocket schemes stay websocket.
func rebase(current *url.URL, from, to BaseURL) *url.URL {
	suffix := strings.TrimPrefix(current.Path, strings.TrimSuffix(from.u.Path, "/"))

	out := to.URL()
	out.Path = joinPath(out.Path, suffix)
	out.RawPath = ""
	out.RawQuery = current.RawQuery
	out.Fragment = current.Fragment
	out.Scheme = keepWebsocket(current.Scheme, out.Scheme)
	return out
}

func joinPath(base, suffix string) string {
	switch {
	case suffix == "":
		return base
	case base == "":
		if strings.HasPrefix(suffix, "/") {
			return suffix
		}
		return "/" + suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}

func httpScheme(scheme string) string {
	switch strings.ToLower(scheme) {
	case "ws":
		return "http"
	case "wss":
		return "https"
	default:
		return strings.ToLower(scheme)
	}
}

func keepWebsocket(original, target string) string {
	switch strings.ToLower(original) {
	case "ws", "wss":
		if httpScheme(target) == "https" {
			return "wss"
		}
		return "ws"
	}
	return target
}
