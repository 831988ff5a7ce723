package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Mode selects the authorization scheme.
type Mode int

const (
	None Mode = iota
	Basic
	Digest
)

// ParseMode interprets the proxyAuth option.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false":
		return None, nil
	case "true", "basic":
		return Basic, nil
	case "digest":
		return Digest, nil
	}
	return None, fmt.Errorf("unknown proxy authorization type %q", s)
}

// Credentials holds the accepted users.
type Credentials struct {
	// Passwords maps a user to a plain password for Basic.
	Passwords map[string]string

	// DefaultUser and DefaultPassword are consulted when the user has no
	// entry in Passwords.
	DefaultUser     string
	DefaultPassword string

	// MD5 and SHA256 map a user to the hex H(A1) for Digest.
	MD5    map[string]string
	SHA256 map[string]string
}

// Authorizer checks Proxy-Authorization headers.
type Authorizer struct {
	Mode  Mode
	Realm string
	Creds Credentials

	nonces *NonceStore
}

// New returns an Authorizer.
func New(mode Mode, realm string, creds Credentials) *Authorizer {
	return &Authorizer{
		Mode:   mode,
		Realm:  realm,
		Creds:  creds,
		nonces: NewNonceStore(),
	}
}

// Nonces exposes the nonce store.
func (a *Authorizer) Nonces() *NonceStore { return a.nonces }

// Required reports whether requests must carry credentials.
func (a *Authorizer) Required() bool { return a != nil && a.Mode != None }

// Authorize checks the full header value, e.g. "Basic dXNlcjpwdw==".
func (a *Authorizer) Authorize(method, authorization string) Result {
	if !a.Required() {
		return Good
	}
	if authorization == "" {
		return Bad
	}
	switch a.Mode {
	case Basic:
		return a.basic(authorization)
	case Digest:
		if len(authorization) < 7 || !strings.EqualFold(authorization[:7], "digest ") {
			return Bad
		}
		return a.digest(method, ParseArgs(authorization[7:]))
	}
	return BadRequest
}

func (a *Authorizer) basic(authorization string) Result {
	if len(authorization) < 6 || !strings.EqualFold(authorization[:6], "basic ") {
		return Bad
	}
	dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[6:]))
	if err != nil {
		logrus.Warnf("auth: bad basic credentials encoding: %v", err)
		return BadRequest
	}
	user, pw, ok := strings.Cut(string(dec), ":")
	if !ok {
		return BadRequest
	}
	want, ok := a.Creds.Passwords[user]
	if !ok && user == a.Creds.DefaultUser && a.Creds.DefaultUser != "" {
		want, ok = a.Creds.DefaultPassword, true
	}
	if ok && subtle.ConstantTimeCompare([]byte(pw), []byte(want)) == 1 {
		logrus.Debugf("auth: good basic auth for user %s", user)
		return Good
	}
	logrus.Warnf("auth: proxy authentication failed, user: %s", user)
	return Bad
}

func (a *Authorizer) digest(method string, args map[string]string) Result {
	for _, k := range []string{"username", "realm", "nonce", "qop", "uri", "cnonce", "nc", "response"} {
		if _, ok := args[k]; !ok {
			logrus.Debugf("auth: digest request missing %s", k)
			return BadRequest
		}
	}
	user := args["username"]

	newHash := md5.New
	ha1s := a.Creds.MD5
	switch strings.ToLower(args["algorithm"]) {
	case "", "md5":
	case "sha-256":
		newHash = sha256.New
		ha1s = a.Creds.SHA256
	default:
		return BadRequest
	}

	if res := a.nonces.Verify(args["nonce"], args["nc"]); res != Good {
		logrus.Debugf("auth: digest nonce check for %s: %v", user, res)
		return res
	}
	ha1, ok := ha1s[user]
	if !ok {
		logrus.Warnf("auth: proxy authentication failed, user: %s", user)
		return Bad
	}
	ha2 := hexHash(newHash, method+":"+args["uri"])
	want := hexHash(newHash, strings.Join([]string{
		ha1, args["nonce"], args["nc"], args["cnonce"], args["qop"], ha2,
	}, ":"))
	if subtle.ConstantTimeCompare([]byte(want), []byte(args["response"])) != 1 {
		logrus.Warnf("auth: proxy authentication failed, user: %s", user)
		return Bad
	}
	logrus.Debugf("auth: good digest auth for user %s", user)
	return Good
}

func hexHash(newHash func() hash.Hash, s string) string {
	h := newHash()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// HA1 computes the stored digest secret H(user:realm:password).
func HA1(sha bool, user, realm, password string) string {
	if sha {
		return hexHash(sha256.New, user+":"+realm+":"+password)
	}
	return hexHash(md5.New, user+":"+realm+":"+password)
}

// Challenges returns the Proxy-Authenticate values to send with a 407, most
// preferred first.
func (a *Authorizer) Challenges(stale bool) []string {
	realm := fmt.Sprintf("realm=%q", a.Realm)
	if a.Mode != Digest {
		return []string{"Basic " + realm}
	}
	nonce := a.nonces.Issue()
	suffix := ""
	if stale {
		suffix = ", stale=true"
	}
	var out []string
	if len(a.Creds.SHA256) > 0 {
		out = append(out, fmt.Sprintf("Digest %s, nonce=%q, algorithm=SHA-256, charset=UTF-8, qop=\"auth\"%s", realm, nonce, suffix))
	}
	out = append(out, fmt.Sprintf("Digest %s, nonce=%q, algorithm=MD5, charset=UTF-8, qop=\"auth\"%s", realm, nonce, suffix))
	return out
}

// Users lists the configured user names in order.
func (a *Authorizer) Users() []string {
	set := map[string]struct{}{}
	for _, m := range []map[string]string{a.Creds.Passwords, a.Creds.MD5, a.Creds.SHA256} {
		for u := range m {
			set[u] = struct{}{}
		}
	}
	if a.Creds.DefaultUser != "" {
		set[a.Creds.DefaultUser] = struct{}{}
	}
	users := maps.Keys(set)
	slices.Sort(users)
	return users
}

// ParseArgs splits a comma separated list of key=value pairs, where values
// may be quoted. Keys are lower-cased.
func ParseArgs(s string) map[string]string {
	args := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimLeft(s[eq+1:], " \t")
		var val string
		if strings.HasPrefix(s, `"`) {
			end := 1
			var sb strings.Builder
			for end < len(s) && s[end] != '"' {
				if s[end] == '\\' && end+1 < len(s) {
					end++
				}
				sb.WriteByte(s[end])
				end++
			}
			val = sb.String()
			s = s[min(end+1, len(s)):]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			val = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		args[key] = val
	}
	return args
}
