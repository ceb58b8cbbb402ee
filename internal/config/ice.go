package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "WEBRTC_PIANO_ICE_SERVERS_JSON"

	envStunURLs       = "WEBRTC_PIANO_STUN_URLS"
	envTurnURLs       = "WEBRTC_PIANO_TURN_URLS"
	envTurnUsername   = "WEBRTC_PIANO_TURN_USERNAME"
	envTurnCredential = "WEBRTC_PIANO_TURN_CREDENTIAL"
)

var (
	errNoICEURLs     = errors.New("no urls")
	errTURNNeedsAuth = errors.New("turn server needs username and credential")
)

// iceServerEntry mirrors the browser RTCIceServer dictionary: urls may be a
// single string or a list.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// parseICEServersFromValues uses the JSON list when present and otherwise the
// STUN/TURN convenience values. When TURN credentials are minted per session
// (mintTURNCreds), TURN servers may be configured without them.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, mintTURNCreds bool) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(iceServersJSON) == "" {
		return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, mintTURNCreds)
	}
	servers, err := ParseICEServersJSON(iceServersJSON, mintTURNCreds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	return servers, nil
}

// ParseICEServersJSON decodes a JSON array of RTCIceServer objects.
func ParseICEServersJSON(raw string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, len(entries))
	for i, e := range entries {
		s := webrtc.ICEServer{
			URLs:     compactURLs(e.URLs),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			s.Credential = e.Credential
		}
		if err := checkICEServer(s, allowMissingTURNCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers[i] = s
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists and a shared TURN username/credential.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowMissingTURNCreds bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := compactURLs(strings.Split(stunURLs, ",")); len(urls) > 0 {
		s := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(s, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, s)
	}

	urls := compactURLs(strings.Split(turnURLs, ","))
	if len(urls) == 0 {
		return servers, nil
	}
	user := strings.TrimSpace(turnUsername)
	cred := strings.TrimSpace(turnCredential)
	s := webrtc.ICEServer{URLs: urls}
	switch {
	case user != "" && cred != "":
		s.Username, s.Credential = user, cred
	case allowMissingTURNCreds:
	default:
		return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	if err := checkICEServer(s, allowMissingTURNCreds); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, s), nil
}

// compactURLs trims entries and drops blanks.
func compactURLs(in []string) []string {
	var out []string
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func checkICEServer(s webrtc.ICEServer, allowMissingTURNCreds bool) error {
	if len(s.URLs) == 0 {
		return errNoICEURLs
	}
	turn := false
	for _, u := range s.URLs {
		scheme, ok := iceScheme(u)
		if !ok {
			return fmt.Errorf("unsupported url %q", u)
		}
		turn = turn || scheme == "turn" || scheme == "turns"
	}
	if !turn {
		return nil
	}
	if allowMissingTURNCreds && s.Username == "" {
		return nil
	}
	cred, _ := s.Credential.(string)
	if strings.TrimSpace(s.Username) == "" || strings.TrimSpace(cred) == "" {
		return errTURNNeedsAuth
	}
	return nil
}

// iceScheme returns the scheme of a stun:, stuns:, turn: or turns: URL.
func iceScheme(u string) (string, bool) {
	u = strings.TrimSpace(u)
	if u == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(u, ":")
	if !found || rest == "" {
		return "", false
	}
	switch scheme = strings.ToLower(scheme); scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	}
	return "", false
}
