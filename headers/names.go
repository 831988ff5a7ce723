package headers

import "strings"

// Canonical names the rewrite logic looks up.
const (
	AcceptEncoding   = "Accept-Encoding"
	XAcceptEncoding  = "X-Accept-Encoding"
	XForwardedFor    = "X-Forwarded-For"
	XForwardedServer = "X-Forwarded-Server"
	XForwardedHost   = "X-Forwarded-Host"
	Forwarded        = "Forwarded"
	UserAgent        = "User-Agent"
	Referer          = "Referer"
	Connection       = "Connection"
	Host             = "Host"

	ContentLength     = "Content-Length"
	ContentType       = "Content-Type"
	ContentEncoding   = "Content-Encoding"
	TransferEncoding  = "Transfer-Encoding"
	CacheControl      = "Cache-Control"
	SetCookie         = "Set-Cookie"
	ProxyConnection   = "Proxy-Connection"
	ProxyAuthorize    = "Proxy-Authorization"
	ProxyAuthenticate = "Proxy-Authenticate"

	// Peer identity headers injected by the server tunnel.
	PeerHash = "X-Hop-PeerHash"
	PeerB32  = "X-Hop-PeerB32"
	PeerB64  = "X-Hop-PeerB64"
)

var canonical = map[string]string{
	"accept-encoding":    AcceptEncoding,
	"x-accept-encoding":  XAcceptEncoding,
	"x-forwarded-for":    XForwardedFor,
	"x-forwarded-server": XForwardedServer,
	"x-forwarded-host":   XForwardedHost,
	"forwarded":          Forwarded,
	"user-agent":         UserAgent,
	"referer":            Referer,
	"connection":         Connection,
	"host":               Host,
}

// Canonical returns the fixed spelling for the names the tunnel inspects and
// name unchanged otherwise.
func Canonical(name string) string {
	if c, ok := canonical[strings.ToLower(name)]; ok {
		return c
	}
	return name
}

// SkipSet is a set of lower-case header names dropped while reading.
type SkipSet map[string]struct{}

func newSkipSet(names ...string) SkipSet {
	s := make(SkipSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether the lower-cased name is in the set.
func (s SkipSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// ClientSkipHeaders are stripped from requests arriving over the overlay so a
// client cannot spoof its identity or leak local details.
var ClientSkipHeaders = newSkipSet(
	strings.ToLower(PeerHash),
	strings.ToLower(PeerB64),
	strings.ToLower(PeerB32),
	"priority",
	"proxy-connection",
	"sec-gpc",
	"x-real-ip",
)

// ServerSkipHeaders are stripped from responses coming back from the local
// service.
var ServerSkipHeaders = newSkipSet(
	"age",
	"alt-svc",
	"date",
	"expires",
	"pragma",
	"proxy-connection",
	"proxy",
	"referer",
	"server",
	"strict-transport-security",
	"via",
	"x-cache",
	"x-cache-hits",
	"x-cloud-trace-context",
	"x-contextid",
	"x-goog-generation",
	"x-goog-hash",
	"x-guploader-uploadid",
	"x-hacker",
	"x-nananana",
	"x-pantheon-styx-hostname",
	"x-powered-by",
	"x-runtime",
	"x-served-by",
	"x-styx-req-id",
	"x-timer",
)
