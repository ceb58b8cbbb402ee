package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lminiero/webrtc-piano/internal/config"
	"github.com/lminiero/webrtc-piano/internal/janus/janustest"
	"github.com/lminiero/webrtc-piano/internal/view"
	"github.com/lminiero/webrtc-piano/internal/webrtcpeer"
)

const waitTimeout = 10 * time.Second

func TestApp_EndToEnd(t *testing.T) {
	relay := &janustest.PianoRelay{}
	streamer := &janustest.Streamer{Mountpoint: config.DefaultStreamID}
	gw := janustest.NewServer(map[string]janustest.Plugin{
		janustest.ControllerPlugin: relay,
		janustest.StreamingPlugin:  streamer,
	})
	t.Cleanup(func() {
		relay.Close()
		streamer.Close()
		gw.Close()
	})

	t.Setenv("WEBRTC_PIANO_ENV_FILE", "")
	t.Setenv("WEBRTC_PIANO_NAME", "Alice")
	t.Setenv("WEBRTC_PIANO_COLOR", "hsla(10,70%,80%,1)")
	t.Setenv("WEBRTC_PIANO_JANUS_URL", gw.URL)
	t.Setenv("WEBRTC_PIANO_ICE_GATHERING_TIMEOUT", "1s")
	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	a := newApp(cfg, api, nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Serve(ln) }()
	t.Cleanup(func() {
		a.close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(ctx)
		<-errCh
	})
	base := "http://" + ln.Addr().String()

	if status := httpStatus(t, http.MethodGet, base+"/readyz"); status != http.StatusServiceUnavailable {
		t.Fatalf("readyz before join=%d, want 503", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := a.session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status := httpStatus(t, http.MethodGet, base+"/readyz"); status != http.StatusOK {
		t.Fatalf("readyz after join=%d, want 200", status)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))

	if status := httpStatus(t, http.MethodPost, base+"/api/keys/60/press"); status != http.StatusOK {
		t.Fatalf("press=%d, want 200", status)
	}

	// The relay echoes the press; the key is painted only then.
	for {
		var u view.Update
		if err := ws.ReadJSON(&u); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if u.Type == view.UpdateKey && u.Key != nil && u.Key.Note == 60 && u.Key.Color == cfg.Color {
			break
		}
	}

	var st view.State
	getJSON(t, base+"/api/state", &st)
	if len(st.Players) != 1 || st.Players[0].Name != "Alice" {
		t.Fatalf("players=%+v, want Alice", st.Players)
	}
	if len(st.Held) != 1 || st.Held[0] != 60 {
		t.Fatalf("held=%v, want [60]", st.Held)
	}

	if status := httpStatus(t, http.MethodPost, base+"/api/keys/60/release"); status != http.StatusOK {
		t.Fatalf("release=%d, want 200", status)
	}
	for {
		var u view.Update
		if err := ws.ReadJSON(&u); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if u.Type == view.UpdateKey && u.Key != nil && u.Key.Note == 60 && u.Key.Color == view.WhiteKeyColor {
			break
		}
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`webrtc_piano_events_total{event="note_play_applied"} 1`,
		`webrtc_piano_state{name="players"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func httpStatus(t *testing.T, method, url string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
