package driver

import (
	"context"
	"fmt"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/correlation"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/protocol"
)

// Mirror exposes the worker's local ledger copy.
type Mirror interface {
	Lookup(id string) (ledger.IssueRecord, bool)
}

// RelayCoordinator speaks the claim protocol through a correlation client.
type RelayCoordinator struct {
	client *correlation.Client
	mirror Mirror
}

// NewRelayCoordinator creates a coordinator over client and mirror.
func NewRelayCoordinator(client *correlation.Client, mirror Mirror) *RelayCoordinator {
	return &RelayCoordinator{client: client, mirror: mirror}
}

// Claim asks the relay for ownership of id in one round trip.
func (c *RelayCoordinator) Claim(ctx context.Context, id string) (Claim, error) {
	req, err := protocol.PendingRequest(id)
	if err != nil {
		return Claim{}, err
	}
	res, err := c.client.Dispatch(ctx, req, correlation.MatchProcessID(id))
	if err != nil {
		return Claim{}, err
	}
	p, err := res.Process()
	if err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", id, err)
	}
	return Claim{Pending: p.IsPending, Granted: p.Granted, IsMigrated: p.IsMigrated}, nil
}

// Start announces that processing of id has begun. The reply is not awaited.
func (c *RelayCoordinator) Start(ctx context.Context, id string) error {
	env, err := protocol.StartNotice(id)
	if err != nil {
		return err
	}
	return c.client.Notify(ctx, env)
}

// Release gives up the claim on id.
func (c *RelayCoordinator) Release(ctx context.Context, id string) error {
	env, err := protocol.EndNotice(id)
	if err != nil {
		return err
	}
	return c.client.Notify(ctx, env)
}

// Publish broadcasts rec through the relay.
func (c *RelayCoordinator) Publish(ctx context.Context, rec ledger.IssueRecord) error {
	env, err := protocol.IssueMessage([]ledger.IssueRecord{rec})
	if err != nil {
		return err
	}
	return c.client.Notify(ctx, env)
}

// Lookup reads the local mirror.
func (c *RelayCoordinator) Lookup(id string) (ledger.IssueRecord, bool) {
	return c.mirror.Lookup(id)
}

var _ Coordinator = (*RelayCoordinator)(nil)
