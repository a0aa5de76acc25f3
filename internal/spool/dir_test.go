package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/posta-mta/posta/internal/testlib"
)

func TestAcceptLoadRoundTrip(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	d, err := NewDir(filepath.Join(dir, "spool"))
	if err != nil {
		t.Fatal(err)
	}

	id, err := d.Accept("s@a.example", []string{"r@b.example"}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	msg, entry, err := d.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.From != "s@a.example" || !bytes.Equal(msg.Data, []byte("hello")) {
		t.Errorf("unexpected message: %+v", msg)
	}
	if len(entry.Recipients) != 1 || entry.Recipients[0].Address != "r@b.example" {
		t.Errorf("unexpected recipients: %+v", entry.Recipients)
	}
	if entry.Attempts != 0 {
		t.Errorf("new entry should have attempts=0, got %d", entry.Attempts)
	}
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	d, err := NewDir(filepath.Join(dir, "spool"))
	if err != nil {
		t.Fatal(err)
	}

	id, err := d.Accept("s@a.example", []string{"r@b.example"}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Delete(id); err != nil {
		t.Fatal(err)
	}

	if _, _, err := d.Load(id); err == nil {
		t.Error("expected error loading deleted message")
	}
	if _, err := os.Stat(d.msgPath(id)); !os.IsNotExist(err) {
		t.Error("message file should be gone")
	}
	if _, err := os.Stat(d.queuePath(id)); !os.IsNotExist(err) {
		t.Error("queue file should be gone")
	}
}

func TestReconcileRepairsOrphanMessage(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	root := filepath.Join(dir, "spool")
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}

	id, err := d.Accept("s@a.example", []string{"r@b.example"}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash between the .msg rename and the .queue rename: drop
	// the queue-state file.
	if err := os.Remove(d.queuePath(id)); err != nil {
		t.Fatal(err)
	}

	if err := d.Reconcile(); err != nil {
		t.Fatal(err)
	}

	_, entry, err := d.Load(id)
	if err != nil {
		t.Fatalf("orphan message should have been repaired: %v", err)
	}
	if entry.Attempts != 0 {
		t.Errorf("repaired entry should start at attempt 0, got %d", entry.Attempts)
	}
	if entry.NextAttempt.After(time.Now()) {
		t.Errorf("repaired entry should be immediately retriable")
	}
}

func TestReconcileRemovesOrphanQueueState(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	root := filepath.Join(dir, "spool")
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}

	id, err := d.Accept("s@a.example", []string{"r@b.example"}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(d.msgPath(id)); err != nil {
		t.Fatal(err)
	}

	if err := d.Reconcile(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(d.queuePath(id)); !os.IsNotExist(err) {
		t.Error("orphan queue-state should have been removed")
	}
}

func TestListReturnsAcceptedMessages(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	d, err := NewDir(filepath.Join(dir, "spool"))
	if err != nil {
		t.Fatal(err)
	}

	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, err := d.Accept("s@a.example", []string{"r@b.example"}, []byte("x"))
		if err != nil {
			t.Fatal(err)
		}
		ids[id] = true
	}

	listed, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != len(ids) {
		t.Fatalf("got %d ids, want %d", len(listed), len(ids))
	}
	for _, id := range listed {
		if !ids[id] {
			t.Errorf("unexpected id %q", id)
		}
	}
}
