// Package turnrest mints short-lived TURN credentials from a secret shared
// with the TURN server (coturn's use-auth-secret mode):
//
//	username   = <unix expiry>:<prefix>:<participant>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/config"
)

var (
	errNoSecret   = errors.New("turnrest: shared secret is required")
	errBadTTL     = errors.New("turnrest: ttl must be > 0")
	errBadPrefix  = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	errBadSubject = errors.New("turnrest: participant id must be non-empty and must not contain ':'")
)

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewGenerator builds a generator from cfg. now may be nil.
func NewGenerator(cfg config.TURNRESTConfig, now func() time.Time) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errNoSecret
	case cfg.TTL <= 0:
		return nil, errBadTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errBadPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    now,
	}, nil
}

// Generate returns credentials naming participant, valid for the configured
// TTL. Expiry is truncated to whole seconds.
func (g *Generator) Generate(participant string) (Credentials, error) {
	if participant == "" || strings.Contains(participant, ":") {
		return Credentials{}, errBadSubject
	}
	expires := g.now().Add(g.ttl).UTC().Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, participant)
	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers in which every TURN server without a
// username carries c. STUN servers and TURN servers with static credentials
// are left alone.
func Apply(servers []webrtc.ICEServer, c Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		out[i].URLs = append([]string(nil), s.URLs...)
		if s.Username != "" || !hasTURN(s.URLs) {
			continue
		}
		out[i].Username = c.Username
		out[i].Credential = c.Credential
	}
	return out
}

func hasTURN(urls []string) bool {
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
