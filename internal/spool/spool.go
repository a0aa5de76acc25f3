// Package spool implements the content-addressed, crash-safe persistence
// layer between the inbound session and the delivery pipeline.
package spool

import "time"

// TerminalState names the terminal states a QueueEntry can reach.
type TerminalState string

const (
	NotTerminal        TerminalState = ""
	DeliveredToAll     TerminalState = "delivered-to-all"
	PermanentlyFailed  TerminalState = "permanently-failed"
	Expired            TerminalState = "expired"
)

// Message is the immutable envelope+body accepted from an inbound
// session. A null reverse-path (a bounce) is stored as From "<>".
type Message struct {
	ID       string
	From     string
	To       []string
	Data     []byte
	Received time.Time
}

// RecipientStatus is the independent per-recipient delivery outcome
// recorded on a QueueEntry.
type RecipientStatus struct {
	Address    string
	Delivered  bool
	Permanent  bool // true if the last failure was permanent for this recipient
	LastError  string
}

// QueueEntry is the durable delivery state associated with a Message,
// written and deleted atomically (from the scheduler's point of view)
// alongside it.
type QueueEntry struct {
	ID          string
	Attempts    int
	NextAttempt time.Time
	LastErrorKind string
	LastError   string
	State       TerminalState
	Recipients  []RecipientStatus
	Frozen      bool
}

// Pending returns the addresses of the recipients still awaiting
// delivery (neither delivered nor permanently failed).
func (q *QueueEntry) Pending() []string {
	var out []string
	for _, r := range q.Recipients {
		if !r.Delivered && !r.Permanent {
			out = append(out, r.Address)
		}
	}
	return out
}

// Done reports whether every recipient has reached a final outcome
// (delivered or permanently failed).
func (q *QueueEntry) Done() bool {
	for _, r := range q.Recipients {
		if !r.Delivered && !r.Permanent {
			return false
		}
	}
	return true
}

// AnyDelivered reports whether at least one recipient was delivered.
func (q *QueueEntry) AnyDelivered() bool {
	for _, r := range q.Recipients {
		if r.Delivered {
			return true
		}
	}
	return false
}

// AnyPermanentFailure reports whether at least one recipient failed
// permanently.
func (q *QueueEntry) AnyPermanentFailure() bool {
	for _, r := range q.Recipients {
		if r.Permanent && !r.Delivered {
			return true
		}
	}
	return false
}

// Store is the spool's storage interface. A filesystem-backed
// implementation (Dir) and an in-memory one (Memory, for tests)
// both satisfy it.
type Store interface {
	// Accept durably stores a new message with an initial queue entry
	// (attempt=0, next-attempt=now), returning its identifier.
	Accept(from string, to []string, data []byte) (string, error)

	// Load returns the message and queue entry for id.
	Load(id string) (*Message, *QueueEntry, error)

	// SaveEntry persists an updated queue entry for an existing message.
	SaveEntry(entry *QueueEntry) error

	// Delete removes both the message and its queue entry.
	Delete(id string) error

	// List returns every message identifier currently on the spool.
	List() ([]string, error)

	// Reconcile repairs orphaned messages/queue-states left by a prior
	// crash: an orphan message gets a fresh queue entry; an orphan
	// queue-state is deleted.
	Reconcile() error
}
