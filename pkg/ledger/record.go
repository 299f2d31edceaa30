package ledger

import "errors"

// ErrEmptyID is returned for records that carry no backlog id.
var ErrEmptyID = errors.New("ledger: record has empty id")

// IssueRecord is the outcome of one migration attempt for one backlog id.
type IssueRecord struct {
	// ID is the natural key of the record in the source system.
	ID string `json:"id"`

	// IssueID is the identifier the target system assigned on submission.
	IssueID string `json:"issueId"`

	IsError       bool `json:"isError"`
	IsMigrated    bool `json:"isMigrated"`
	IsSavedOnDisk bool `json:"isSavedOnDisk"`
}

// Validate reports whether the record can be merged.
func (r IssueRecord) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	return nil
}

// Snapshot is the persisted form of a ledger.
type Snapshot struct {
	Issues []IssueRecord `json:"issues"`
}

// Ledger is an id-keyed set of records preserving first-seen order.
// It is not safe for concurrent use; owners guard it.
type Ledger struct {
	order []string
	byID  map[string]IssueRecord
}

// New returns a ledger reconciled from records.
func New(records ...IssueRecord) *Ledger {
	l := &Ledger{byID: make(map[string]IssueRecord, len(records))}
	l.Merge(records...)
	return l
}

// Merge applies records in order, later values replacing earlier ones with
// the same id. Records with an empty id are ignored. It returns the number
// of ids whose stored value was added or changed.
func (l *Ledger) Merge(records ...IssueRecord) int {
	changed := 0
	for _, r := range records {
		if r.Validate() != nil {
			continue
		}
		prev, ok := l.byID[r.ID]
		if !ok {
			l.order = append(l.order, r.ID)
		}
		if !ok || prev != r {
			changed++
		}
		l.byID[r.ID] = r
	}
	return changed
}

// Get returns the record stored for id.
func (l *Ledger) Get(id string) (IssueRecord, bool) {
	r, ok := l.byID[id]
	return r, ok
}

// IsMigrated reports whether id has a successful migration recorded.
func (l *Ledger) IsMigrated(id string) bool {
	r, ok := l.byID[id]
	return ok && r.IsMigrated
}

// Len returns the number of distinct ids.
func (l *Ledger) Len() int {
	return len(l.order)
}

// Records returns a copy of the reconciled records in first-seen order.
func (l *Ledger) Records() []IssueRecord {
	out := make([]IssueRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// Clone returns an independent copy.
func (l *Ledger) Clone() *Ledger {
	return New(l.Records()...)
}

// Reconcile unions the batches in order and de-duplicates by id, keeping the
// most recently seen value for each id.
func Reconcile(batches ...[]IssueRecord) []IssueRecord {
	l := New()
	for _, b := range batches {
		l.Merge(b...)
	}
	return l.Records()
}
