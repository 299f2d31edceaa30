// Package correlation turns one shared duplex channel into a concurrent
// request/response primitive.
//
// [Client.Dispatch] stamps the request with a fresh correlation token and
// registers a waiter for it before the request is sent, so a fast reply can
// never be missed. A reply carrying the token resolves exactly that
// waiter. Replies without a token (broadcasts, or peers that do not echo
// tokens) fall back to matching by message type plus an optional
// [Matcher]; every waiter of that type whose matcher accepts the message is
// resolved.
//
// Every dispatch is bounded by its context deadline or the client's default
// timeout, and in-flight dispatches fail with [ErrConnectionLost] when the
// underlying connection drops. A [TrackedSender] narrows that to dispatches
// written on the connection that was lost.
package correlation
