// Package relay implements the central coordination process that migration
// workers connect to.
//
// The relay holds the authoritative in-memory ledger. On every new
// connection it first sends the full ledger as an ISSUE message, so late
// joiners converge without asking. An inbound ISSUE is merged by id
// (last seen wins), persisted through a [ledger.Store], and the merged ledger
// is rebroadcast to every connected worker including the sender. PING is
// answered with PONG to the sender only.
//
// Claims are decided here in one round trip: PROCESS_PENDING either grants
// the id to the requesting connection or reports it as pending elsewhere.
// PROCESS_END releases a claim; disconnects and the claim TTL release the
// rest.
package relay
