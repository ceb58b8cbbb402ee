// Package overlay tracks which participants are holding which piano keys and
// derives the single color each key should be drawn with.
//
// Every note with at least one held contribution owns a display state that
// remembers the key's color from before the first press. The most recent
// contribution still held always wins; when the last one is released the
// original color is restored and the state is dropped.
//
// A Renderer is not safe for concurrent use. Callers feed it events one at a
// time from a single dispatcher goroutine.
package overlay
