// Package protocol defines the JSON envelopes exchanged between migration
// workers and the relay over one persistent channel per worker.
//
// Every message is an [Envelope] `{type, token?, data?}`:
//
//	{"type":"ISSUE","data":{"issues":[{"id":"100","isMigrated":true,...}]}}
//	{"type":"PING"}                                  -> {"type":"PONG"}
//	{"type":"PROCESS_PENDING","token":"t","data":{"process":{"id":"101"}}}
//	    -> {"type":"PROCESS_PENDING","token":"t","data":{"process":{"id":"101","isPending":false,"granted":true}}}
//	{"type":"PROCESS_START","data":{"process":{"id":"101"}}}
//	{"type":"PROCESS_END","data":{"process":{"id":"101"}}}
//
// The token is a correlation id chosen by the requester and echoed by the
// relay on the direct reply. Broadcasts carry no token.
package protocol
