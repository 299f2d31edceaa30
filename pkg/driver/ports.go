package driver

import (
	"context"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
)

// Backlog pages through the source system's list of ids awaiting migration.
type Backlog interface {
	// Page returns the ids on page n. An empty slice ends the backlog.
	Page(ctx context.Context, n int) ([]string, error)
}

// Fetcher retrieves one record's raw payload from the source system.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Transformer maps a raw source payload onto the target system's format.
type Transformer interface {
	Transform(id string, raw []byte) ([]byte, error)
}

// Submitter writes a transformed record into the target system and returns
// the identifier the target assigned.
type Submitter interface {
	Submit(ctx context.Context, id string, payload []byte) (string, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(id string, raw []byte) ([]byte, error)

// Transform calls f.
func (f TransformFunc) Transform(id string, raw []byte) ([]byte, error) { return f(id, raw) }

// Identity passes payloads through unchanged.
var Identity = TransformFunc(func(_ string, raw []byte) ([]byte, error) { return raw, nil })

// Claim is the relay's answer to a claim request.
type Claim struct {
	// Pending is set when another worker owns the id.
	Pending bool

	// Granted is set when this worker now owns the id.
	Granted bool

	// IsMigrated is set when the relay ledger already records success.
	IsMigrated bool
}

// Coordinator is the driver's view of the relay.
type Coordinator interface {
	Claim(ctx context.Context, id string) (Claim, error)
	Start(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	Publish(ctx context.Context, rec ledger.IssueRecord) error
	Lookup(id string) (ledger.IssueRecord, bool)
}
