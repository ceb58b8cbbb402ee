package view

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/lminiero/webrtc-piano/internal/control"
	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/origin"
	"github.com/lminiero/webrtc-piano/internal/ratelimit"
	"github.com/lminiero/webrtc-piano/internal/roster"
)

// Player sends local key input to the relay. *control.Channel satisfies it.
type Player interface {
	Play(note int) error
	Stop(note int) (bool, error)
	StopAll() error
	Held() []int
}

// AudioStatus is satisfied by *audiosink.Sink.
type AudioStatus interface {
	Attached() bool
	Receiving() bool
	Packets() uint64
}

type AudioState struct {
	Attached  bool   `json:"attached"`
	Receiving bool   `json:"receiving"`
	Packets   uint64 `json:"packets"`
}

// State is the whole page at one instant.
type State struct {
	Name    string               `json:"name"`
	Color   string               `json:"color"`
	Keys    []Key                `json:"keys"`
	Players []roster.Participant `json:"players"`
	Held    []int                `json:"held"`
	Alerts  []string             `json:"alerts"`
	Audio   *AudioState          `json:"audio,omitempty"`
}

type Config struct {
	Keyboard *Keyboard
	Hub      *Hub
	Player   Player
	Audio    AudioStatus

	// Name and Color identify the local participant.
	Name  string
	Color string

	// Limiter throttles presses; nil means unlimited. Releases are never
	// throttled so a key cannot get stuck down.
	Limiter *ratelimit.TokenBucket

	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type Handler struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func New(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{cfg: cfg, log: log, metrics: cfg.Metrics}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
		},
	}
	return h
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.handleState)
	mux.HandleFunc("POST /api/keys/{note}/press", h.handlePress)
	mux.HandleFunc("POST /api/keys/{note}/release", h.handleRelease)
	mux.HandleFunc("POST /api/keys/release", h.handleReleaseAll)
	mux.HandleFunc("GET /api/events", h.handleEvents)
}

func (h *Handler) State() State {
	kb := h.cfg.Keyboard
	st := State{
		Name:    h.cfg.Name,
		Color:   h.cfg.Color,
		Keys:    kb.Keys(),
		Players: kb.Players(),
		Held:    []int{},
		Alerts:  kb.Alerts(),
	}
	if st.Players == nil {
		st.Players = []roster.Participant{}
	}
	if st.Alerts == nil {
		st.Alerts = []string{}
	}
	if h.cfg.Player != nil {
		if held := h.cfg.Player.Held(); held != nil {
			st.Held = held
		}
	}
	if a := h.cfg.Audio; a != nil {
		st.Audio = &AudioState{Attached: a.Attached(), Receiving: a.Receiving(), Packets: a.Packets()}
	}
	return st
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.State())
}

func (h *Handler) keyFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	note, err := strconv.Atoi(r.PathValue("note"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_note", "note must be an integer")
		return 0, false
	}
	if !h.cfg.Keyboard.Range().Contains(note) {
		writeJSONError(w, http.StatusNotFound, "no_such_key", "note "+strconv.Itoa(note)+" is not on the keyboard")
		return 0, false
	}
	return note, true
}

func (h *Handler) handlePress(w http.ResponseWriter, r *http.Request) {
	note, ok := h.keyFromPath(w, r)
	if !ok {
		return
	}
	if h.cfg.Limiter != nil && !h.cfg.Limiter.Allow() {
		h.metrics.Inc(metrics.KeyInputRateLimited)
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many key presses")
		return
	}
	if err := h.cfg.Player.Play(note); err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": note, "held": true})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	note, ok := h.keyFromPath(w, r)
	if !ok {
		return
	}
	sent, err := h.cfg.Player.Stop(note)
	if err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": note, "released": sent})
}

func (h *Handler) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Player.StopAll(); err != nil {
		h.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held": []int{}})
}

func (h *Handler) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, control.ErrNotConnected) {
		writeJSONError(w, http.StatusServiceUnavailable, "not_connected", "control channel is not connected")
		return
	}
	h.log.Warn("key event not sent", "err", err)
	writeJSONError(w, http.StatusBadGateway, "send_failed", err.Error())
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.cfg.Hub.Serve(conn, func() Update {
		st := h.State()
		return Update{Type: UpdateState, State: &st}
	})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
