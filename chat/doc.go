// Package chat keeps a CHZZK chat room connection alive and feeds its
// messages to a Handler.
//
// A Session cycles through Disconnected, Connecting, Handshaking and Live.
// Before every connection attempt it asks its TokenProvider for a fresh
// access token and its RoomResolver for the chat room id, dials a random
// endpoint from the pool, sends the handshake and then reads frames one at a
// time. Keepalive requests are answered immediately and never reach the
// Handler; chat batches are delivered item by item, each call returning
// before the next frame is read. Sixty seconds of silence triggers one
// keepalive ping. Any transport error drops the session back to
// Disconnected and Run reconnects after a back-off (5s for transport
// failures, 60s for token or room lookup failures) until Stop is called or
// the context is cancelled.
package chat
