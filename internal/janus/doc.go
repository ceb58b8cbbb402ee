// Package janus is a client for the Janus WebRTC gateway's JSON API over
// WebSocket.
//
// A Client owns one WebSocket connection. Sessions are created on it, plugin
// handles are attached to sessions, and requests are correlated with their
// replies by transaction id:
//
//	client, err := janus.Dial(ctx, janus.Options{URL: "ws://127.0.0.1:8188"})
//	sess, err := client.CreateSession(ctx)
//	h, err := sess.Attach(ctx, "janus.plugin.streaming", opaqueID)
//	ev, err := h.Request(ctx, map[string]any{"request": "watch", "id": 1}, nil)
//
// Events that do not answer a pending request (webrtcup, media, hangup,
// slowlink, detached, and plugin events pushed by the gateway) are delivered on
// Handle.Events.
package janus
