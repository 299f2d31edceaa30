package conn

import (
	"sync"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
)

// mirror is the worker-local copy of the relay ledger.
type mirror struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger
	subs   map[chan []ledger.IssueRecord]struct{}
	closed bool
}

func newMirror() *mirror {
	return &mirror{
		ledger: ledger.New(),
		subs:   make(map[chan []ledger.IssueRecord]struct{}),
	}
}

// replace swaps in a new ledger built from records.
func (m *mirror) replace(records []ledger.IssueRecord) {
	next := ledger.New(records...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = next
	for ch := range m.subs {
		offerLatest(ch, next.Records())
	}
}

func (m *mirror) snapshot() *ledger.Ledger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Clone()
}

func (m *mirror) get(id string) (ledger.IssueRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Get(id)
}

func (m *mirror) subscribe() (<-chan []ledger.IssueRecord, func()) {
	ch := make(chan []ledger.IssueRecord, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

func (m *mirror) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
}

// offerLatest delivers v without blocking, replacing an unread older value.
// Callers hold mirror.mu.
func offerLatest(ch chan []ledger.IssueRecord, v []ledger.IssueRecord) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
