package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/posta-mta/posta/internal/safeio"
	"github.com/posta-mta/posta/internal/trace"
)

// Dir is a filesystem-backed Store laid out as <root>/active/<id>.msg +
// <id>.queue. NewDir also creates <root>/staging, but nothing is written
// there: safeio.WriteFile puts each pre-rename temporary in active/,
// beside its target, as a dot-prefixed file that List ignores.
type Dir struct {
	root string

	// keys serializes writers per message ID, so the spool never has two
	// concurrent writers for the same identifier.
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewDir opens (creating if necessary) a filesystem spool rooted at root.
func NewDir(root string) (*Dir, error) {
	d := &Dir{root: root, keys: map[string]*sync.Mutex{}}
	for _, sub := range []string{"staging", "active"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, fmt.Errorf("spool: creating %s: %v", sub, err)
		}
	}
	return d, nil
}

func (d *Dir) lockFor(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.keys[id]
	if !ok {
		m = &sync.Mutex{}
		d.keys[id] = m
	}
	return m
}

func (d *Dir) msgPath(id string) string   { return filepath.Join(d.root, "active", id+".msg") }
func (d *Dir) queuePath(id string) string { return filepath.Join(d.root, "active", id+".queue") }

// wireMessage and wireQueueEntry are the JSON-serializable forms of
// Message and QueueEntry; kept distinct from the in-memory types so the
// on-disk format can evolve independently of in-process field names.
type wireMessage struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	To       []string  `json:"to"`
	Data     []byte    `json:"data"`
	Received time.Time `json:"received"`
}

type wireQueueEntry struct {
	ID            string            `json:"id"`
	Attempts      int               `json:"attempts"`
	NextAttempt   time.Time         `json:"next_attempt"`
	LastErrorKind string            `json:"last_error_kind,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	State         string            `json:"state,omitempty"`
	Recipients    []RecipientStatus `json:"recipients"`
	Frozen        bool              `json:"frozen,omitempty"`
}

func toWireEntry(q *QueueEntry) *wireQueueEntry {
	return &wireQueueEntry{
		ID: q.ID, Attempts: q.Attempts, NextAttempt: q.NextAttempt,
		LastErrorKind: q.LastErrorKind, LastError: q.LastError,
		State: string(q.State), Recipients: q.Recipients, Frozen: q.Frozen,
	}
}

func fromWireEntry(w *wireQueueEntry) *QueueEntry {
	return &QueueEntry{
		ID: w.ID, Attempts: w.Attempts, NextAttempt: w.NextAttempt,
		LastErrorKind: w.LastErrorKind, LastError: w.LastError,
		State: TerminalState(w.State), Recipients: w.Recipients, Frozen: w.Frozen,
	}
}

// Accept implements Store.
func (d *Dir) Accept(from string, to []string, data []byte) (string, error) {
	tr := trace.New("Spool.Accept", "")
	defer tr.Finish()

	id := NewID()
	mu := d.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg := &wireMessage{ID: id, From: from, To: to, Data: data, Received: time.Now()}
	msgBuf, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("spool: encoding message: %v", err)
	}

	recipients := make([]RecipientStatus, len(to))
	for i, addr := range to {
		recipients[i] = RecipientStatus{Address: addr}
	}
	entry := &wireQueueEntry{
		ID: id, NextAttempt: time.Now(), Recipients: recipients,
	}
	entryBuf, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("spool: encoding queue entry: %v", err)
	}

	// Write the message first, then the queue entry; only once both
	// renames have landed (each individually fsynced, including their
	// containing directory, by safeio.WriteFile) is the message visible
	// to List/Reconcile as a fully accepted pair.
	if err := safeio.WriteFile(d.msgPath(id), msgBuf, 0600); err != nil {
		return "", fmt.Errorf("spool: writing message: %v", err)
	}
	if err := safeio.WriteFile(d.queuePath(id), entryBuf, 0600); err != nil {
		os.Remove(d.msgPath(id))
		return "", fmt.Errorf("spool: writing queue entry: %v", err)
	}

	tr.Debugf("accepted %s (%d recipients)", id, len(to))
	return id, nil
}

// Load implements Store.
func (d *Dir) Load(id string) (*Message, *QueueEntry, error) {
	mu := d.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msgBuf, err := os.ReadFile(d.msgPath(id))
	if err != nil {
		return nil, nil, err
	}
	var wm wireMessage
	if err := json.Unmarshal(msgBuf, &wm); err != nil {
		return nil, nil, fmt.Errorf("spool: decoding message %s: %v", id, err)
	}

	entryBuf, err := os.ReadFile(d.queuePath(id))
	if err != nil {
		return nil, nil, err
	}
	var we wireQueueEntry
	if err := json.Unmarshal(entryBuf, &we); err != nil {
		return nil, nil, fmt.Errorf("spool: decoding queue entry %s: %v", id, err)
	}

	msg := &Message{ID: wm.ID, From: wm.From, To: wm.To, Data: wm.Data, Received: wm.Received}
	return msg, fromWireEntry(&we), nil
}

// SaveEntry implements Store.
func (d *Dir) SaveEntry(entry *QueueEntry) error {
	mu := d.lockFor(entry.ID)
	mu.Lock()
	defer mu.Unlock()

	buf, err := json.Marshal(toWireEntry(entry))
	if err != nil {
		return fmt.Errorf("spool: encoding queue entry: %v", err)
	}
	return safeio.WriteFile(d.queuePath(entry.ID), buf, 0600)
}

// Delete implements Store.
func (d *Dir) Delete(id string) error {
	mu := d.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	err1 := os.Remove(d.msgPath(id))
	err2 := os.Remove(d.queuePath(id))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return safeio.FsyncDir(filepath.Join(d.root, "active"))
}

// List implements Store.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, "active"))
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".msg") {
			continue
		}
		id := strings.TrimSuffix(name, ".msg")
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Reconcile implements Store.
func (d *Dir) Reconcile() error {
	entries, err := os.ReadDir(filepath.Join(d.root, "active"))
	if err != nil {
		return err
	}

	msgs := map[string]bool{}
	queues := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".msg"):
			msgs[strings.TrimSuffix(name, ".msg")] = true
		case strings.HasSuffix(name, ".queue"):
			queues[strings.TrimSuffix(name, ".queue")] = true
		}
	}

	for id := range msgs {
		if !queues[id] {
			msg, _, err := d.loadMessageOnly(id)
			if err != nil {
				return fmt.Errorf("spool: reconciling orphan message %s: %v", id, err)
			}
			recipients := make([]RecipientStatus, len(msg.To))
			for i, addr := range msg.To {
				recipients[i] = RecipientStatus{Address: addr}
			}
			entry := &QueueEntry{ID: id, NextAttempt: time.Now(), Recipients: recipients}
			if err := d.SaveEntry(entry); err != nil {
				return fmt.Errorf("spool: writing repaired queue entry %s: %v", id, err)
			}
		}
	}

	for id := range queues {
		if !msgs[id] {
			if err := os.Remove(d.queuePath(id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("spool: removing orphan queue-state %s: %v", id, err)
			}
		}
	}

	return safeio.FsyncDir(filepath.Join(d.root, "active"))
}

func (d *Dir) loadMessageOnly(id string) (*Message, *QueueEntry, error) {
	msgBuf, err := os.ReadFile(d.msgPath(id))
	if err != nil {
		return nil, nil, err
	}
	var wm wireMessage
	if err := json.Unmarshal(msgBuf, &wm); err != nil {
		return nil, nil, err
	}
	return &Message{ID: wm.ID, From: wm.From, To: wm.To, Data: wm.Data, Received: wm.Received}, nil, nil
}
