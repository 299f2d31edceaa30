package protocol

import "github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"

// Ping builds a liveness check.
func Ping() Envelope { return Envelope{Type: TypePing} }

// Pong builds the reply to a ping, echoing its token.
func Pong(token string) Envelope { return Envelope{Type: TypePong, Token: token} }

// IssueMessage builds a ledger update or broadcast.
func IssueMessage(records []ledger.IssueRecord) (Envelope, error) {
	if records == nil {
		records = []ledger.IssueRecord{}
	}
	return New(TypeIssue, IssuePayload{Issues: records})
}

// ProcessMessage builds a PROCESS_* message for p.
func ProcessMessage(t Type, p Process) (Envelope, error) {
	return New(t, ProcessPayload{Process: p})
}

// PendingRequest builds the claim request for id.
func PendingRequest(id string) (Envelope, error) {
	return ProcessMessage(TypeProcessPending, Process{ID: id})
}

// StartNotice announces that processing of id has begun.
func StartNotice(id string) (Envelope, error) {
	return ProcessMessage(TypeProcessStart, Process{ID: id})
}

// EndNotice releases the claim on id.
func EndNotice(id string) (Envelope, error) {
	return ProcessMessage(TypeProcessEnd, Process{ID: id})
}
