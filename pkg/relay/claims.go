package relay

import "time"

type claim struct {
	owner   string
	expires time.Time
}

// claimTable tracks which connection owns each in-flight backlog id.
// Guarded by Relay.mu.
type claimTable struct {
	ttl    time.Duration
	now    func() time.Time
	claims map[string]claim
}

func newClaimTable(ttl time.Duration, now func() time.Time) *claimTable {
	if now == nil {
		now = time.Now
	}
	return &claimTable{ttl: ttl, now: now, claims: make(map[string]claim)}
}

// tryClaim grants id to owner unless another owner holds a live claim.
// Re-claiming by the current owner refreshes the expiry.
func (t *claimTable) tryClaim(id, owner string) (granted bool) {
	now := t.now()
	if c, ok := t.claims[id]; ok && c.owner != owner && now.Before(c.expires) {
		return false
	}
	t.claims[id] = claim{owner: owner, expires: now.Add(t.ttl)}
	return true
}

// touch refreshes owner's claim, taking it if the id is free.
func (t *claimTable) touch(id, owner string) bool {
	return t.tryClaim(id, owner)
}

// release drops id if owner holds it.
func (t *claimTable) release(id, owner string) bool {
	c, ok := t.claims[id]
	if !ok || c.owner != owner {
		return false
	}
	delete(t.claims, id)
	return true
}

// releaseOwner drops every claim held by owner.
func (t *claimTable) releaseOwner(owner string) int {
	n := 0
	for id, c := range t.claims {
		if c.owner == owner {
			delete(t.claims, id)
			n++
		}
	}
	return n
}

// active counts unexpired claims and forgets expired ones.
func (t *claimTable) active() int {
	now := t.now()
	n := 0
	for id, c := range t.claims {
		if !now.Before(c.expires) {
			delete(t.claims, id)
			continue
		}
		n++
	}
	return n
}
