// Package conn owns a worker's single persistent connection to the relay.
//
// The [Manager] connects lazily on first use and keeps the connection alive:
// while open it sends PING on a fixed interval; when the connection closes
// for any reason other than an explicit [Manager.Close], exactly one
// reconnect is scheduled after a fixed delay. A dial failure follows the same
// path. Close disables reconnects for the life of the Manager. Listeners
// learn which numbered connection ended through [DisconnectError].
//
// The Manager also owns the worker's ledger mirror. Each inbound ISSUE
// broadcast replaces the mirror wholesale; readers get copies through
// [Manager.Ledger] or a snapshot stream through [Manager.Subscribe].
package conn
