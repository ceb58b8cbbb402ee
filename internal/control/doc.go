// Package control adapts the relay's control DataChannel.
//
// Outgoing actions (register, play, stop) are small JSON objects keyed by
// "action". Incoming payloads are either `{"response":"error","error":...}`
// or relay events keyed by "event" (join, leave, play, stop). Roster events go
// to a roster.Roster, note events to an overlay.Renderer and error responses to
// an AlertSink.
package control
