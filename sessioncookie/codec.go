// Package sessioncookie stores partial login sessions client-side in
// signed, encrypted, chunked cookies. The browser carries the only copy of
// the session token; the identity service remains the source of truth for
// factor state.
package sessioncookie

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cds-snc/forms-idp-login/internal/metrics"
)

const (
	// CookieName is the base name of the session cookie. Chunks append a
	// numeric suffix: sessions.0, sessions.1, ...
	CookieName = "sessions"

	// maxChunkSize bounds the sealed payload carried per chunk. The chunk
	// is embedded as a JWT claim and base64-encoded again on signing, so
	// the emitted cookie value is roughly 4/3 of this plus header and
	// signature; 2600 keeps it comfortably under the 4KB browser limit.
	maxChunkSize = 2600

	// maxChunks bounds the total cookie budget. When the encoded sessions
	// would exceed it, the oldest sessions are dropped.
	maxChunks = 4

	nonceSize = 24
)

// Session is the cookie-resident record of a (possibly partial) login
// session at the identity service. Factor state is never stored here; it is
// re-fetched by (ID, Token).
type Session struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	LoginName      string    `json:"loginName"`
	Organization   string    `json:"organization,omitempty"`
	AuthRequestID  string    `json:"authRequestId,omitempty"`
	CreationDate   time.Time `json:"creationDate"`
	ChangeDate     time.Time `json:"changeDate"`
	ExpirationDate time.Time `json:"expirationDate"`
}

// Expired reports whether the session is past its expiration at the given
// time. Sessions without an expiration never expire here.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpirationDate.IsZero() && !now.Before(s.ExpirationDate)
}

// Codec seals session lists into cookie chunks and opens them again. Each
// chunk is an HS256-signed JWT whose payload carries a slice of the
// secretbox-sealed, base64-encoded session list. A chunk that fails
// signature or claim validation invalidates the whole cookie set.
type Codec struct {
	signingKey    []byte
	encryptionKey [32]byte
	secure        bool
	nowTime       func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithInsecureCookies drops the Secure attribute for local development over
// plain HTTP.
func WithInsecureCookies() CodecOption {
	return func(c *Codec) {
		c.secure = false
	}
}

// WithCodecNow overrides the codec clock.
func WithCodecNow(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.nowTime = now
	}
}

// NewCodec creates a codec. The signing key signs each chunk; the
// encryption key must be exactly 32 bytes and seals the session payload.
func NewCodec(signingKey, encryptionKey []byte, options ...CodecOption) (*Codec, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("[sessioncookie.NewCodec] signing key is required")
	}
	if len(encryptionKey) != 32 {
		return nil, errors.Errorf("[sessioncookie.NewCodec] encryption key must be 32 bytes, got %d", len(encryptionKey))
	}
	c := &Codec{
		signingKey: signingKey,
		secure:     true,
		nowTime:    time.Now,
	}
	copy(c.encryptionKey[:], encryptionKey)
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

type chunkClaims struct {
	Seq   int    `json:"seq"`
	Total int    `json:"total"`
	Data  string `json:"data"`
	jwt.RegisteredClaims
}

func (c *Codec) seal(sessions []Session) (string, error) {
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return "", errors.Wrap(err, "[Codec.seal] marshal sessions")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "[Codec.seal] read nonce")
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.encryptionKey)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(encoded string) ([]Session, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[Codec.open] decode payload")
	}
	if len(sealed) < nonceSize {
		return nil, errors.New("[Codec.open] payload too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.encryptionKey)
	if !ok {
		return nil, errors.New("[Codec.open] payload authentication failed")
	}

	var sessions []Session
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, errors.Wrap(err, "[Codec.open] unmarshal sessions")
	}
	return sessions, nil
}

// Encode seals the sessions into signed cookie chunks. When the encoded
// form would not fit the chunk budget, the oldest sessions (by expiration
// date) are dropped until it does.
func (c *Codec) Encode(sessions []Session) ([]*http.Cookie, error) {
	remaining := append([]Session(nil), sessions...)
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].ExpirationDate.Before(remaining[j].ExpirationDate)
	})

	for {
		cookies, err := c.encodeAll(remaining)
		if err == nil {
			return cookies, nil
		}
		if len(remaining) == 0 {
			return nil, err
		}
		dropped := remaining[0]
		remaining = remaining[1:]
		metrics.SessionsDropped.Inc()
		log.Warn().
			Str("sessionID", dropped.ID).
			Str("loginName", dropped.LoginName).
			Msg("session cookie over budget, dropping oldest-expiring session")
	}
}

var errOverBudget = errors.New("encoded sessions exceed cookie budget")

func (c *Codec) encodeAll(sessions []Session) ([]*http.Cookie, error) {
	payload, err := c.seal(sessions)
	if err != nil {
		return nil, err
	}

	chunks := splitChunks(payload, maxChunkSize)
	if len(chunks) > maxChunks {
		return nil, errOverBudget
	}

	expiry := c.latestExpiry(sessions)
	cookies := make([]*http.Cookie, 0, len(chunks))
	for seq, data := range chunks {
		claims := chunkClaims{
			Seq:   seq,
			Total: len(chunks),
			Data:  data,
		}
		if !expiry.IsZero() {
			claims.ExpiresAt = jwt.NewNumericDate(expiry)
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
		if err != nil {
			return nil, errors.Wrap(err, "[Codec.encodeAll] sign chunk")
		}
		cookies = append(cookies, c.newCookie(chunkName(seq), signed, expiry))
	}
	return cookies, nil
}

func (c *Codec) latestExpiry(sessions []Session) time.Time {
	var latest time.Time
	for _, s := range sessions {
		if s.ExpirationDate.After(latest) {
			latest = s.ExpirationDate
		}
	}
	return latest
}

func (c *Codec) newCookie(name, value string, expiry time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if !expiry.IsZero() {
		cookie.Expires = expiry
	}
	return cookie
}

// Decode reassembles and opens the session list from the request's cookie
// chunks. Any missing, duplicated, or tamper-evident chunk fails closed: the
// whole set is treated as absent.
func (c *Codec) Decode(req *http.Request) []Session {
	byName := map[int]string{}
	total := -1

	for _, cookie := range req.Cookies() {
		seq, ok := chunkSeq(cookie.Name)
		if !ok {
			continue
		}
		claims, err := c.verifyChunk(cookie.Value)
		if err != nil {
			log.Warn().Err(err).Str("cookie", cookie.Name).Msg("rejecting session cookies")
			return nil
		}
		if claims.Seq != seq {
			log.Warn().Str("cookie", cookie.Name).Msg("session cookie chunk sequence mismatch")
			return nil
		}
		if total == -1 {
			total = claims.Total
		} else if total != claims.Total {
			log.Warn().Msg("session cookie chunk totals disagree")
			return nil
		}
		if _, dup := byName[seq]; dup {
			log.Warn().Msg("duplicate session cookie chunk")
			return nil
		}
		byName[seq] = claims.Data
	}

	if total <= 0 || len(byName) != total {
		if len(byName) > 0 {
			log.Warn().Int("have", len(byName)).Int("want", total).Msg("incomplete session cookie chunks")
		}
		return nil
	}

	var payload strings.Builder
	for seq := 0; seq < total; seq++ {
		data, ok := byName[seq]
		if !ok {
			return nil
		}
		payload.WriteString(data)
	}

	sessions, err := c.open(payload.String())
	if err != nil {
		log.Warn().Err(err).Msg("rejecting session cookies")
		return nil
	}
	return sessions
}

func (c *Codec) verifyChunk(value string) (*chunkClaims, error) {
	claims := &chunkClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.nowTime))
	if err != nil {
		return nil, errors.Wrap(err, "[Codec.verifyChunk] parse chunk")
	}
	return claims, nil
}

// Write replaces the request's session cookies with the encoded set and
// expires any leftover chunks from a previously larger set.
func (c *Codec) Write(w http.ResponseWriter, req *http.Request, sessions []Session) error {
	cookies, err := c.Encode(sessions)
	if err != nil {
		return err
	}
	for _, cookie := range cookies {
		http.SetCookie(w, cookie)
	}

	for _, old := range req.Cookies() {
		if seq, ok := chunkSeq(old.Name); ok && seq >= len(cookies) {
			http.SetCookie(w, c.expiredCookie(old.Name))
		}
	}
	return nil
}

// Clear expires every session cookie chunk on the response.
func (c *Codec) Clear(w http.ResponseWriter, req *http.Request) {
	for _, old := range req.Cookies() {
		if _, ok := chunkSeq(old.Name); ok {
			http.SetCookie(w, c.expiredCookie(old.Name))
		}
	}
}

func (c *Codec) expiredCookie(name string) *http.Cookie {
	cookie := c.newCookie(name, "", time.Time{})
	cookie.MaxAge = -1
	return cookie
}

func chunkName(seq int) string {
	return fmt.Sprintf("%s.%d", CookieName, seq)
}

func chunkSeq(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, CookieName+".")
	if !ok {
		return 0, false
	}
	seq, err := strconv.Atoi(suffix)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func splitChunks(payload string, size int) []string {
	if payload == "" {
		return []string{""}
	}
	chunks := make([]string, 0, len(payload)/size+1)
	for len(payload) > size {
		chunks = append(chunks, payload[:size])
		payload = payload[size:]
	}
	return append(chunks, payload)
}
