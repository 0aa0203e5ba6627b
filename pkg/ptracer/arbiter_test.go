package ptracer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/piotrbartman/sandboxed-api/pkg/ptracer"
)

type fakeSession struct {
	pid      int
	attached bool
	mem      map[uint64][]byte
	detached bool
}

func (s *fakeSession) Pid() int       { return s.pid }
func (s *fakeSession) Attached() bool { return s.attached }

func (s *fakeSession) ReadMemory(buf []byte, addr uint64) (int, error) {
	b, ok := s.mem[addr]
	if !ok {
		return 0, errors.New("bad address")
	}
	return copy(buf, b), nil
}

func (s *fakeSession) Registers() (ptracer.Registers, error) {
	return nil, errors.New("no registers")
}

func (s *fakeSession) Detach() error {
	s.detached = true
	s.attached = false
	return nil
}

func TestActivateRedirectsOpen(t *testing.T) {
	sess := &fakeSession{pid: 42, attached: true, mem: map[uint64][]byte{0x1000: {1, 2, 3, 4}}}
	tok, err := ptracer.Activate(sess)
	if err != nil {
		t.Fatal(err)
	}
	defer tok.Release()

	borrowed, err := ptracer.Open(42)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	n, err := borrowed.ReadMemory(buf, 0x1000)
	if n != 4 || err != nil {
		t.Fatalf("ReadMemory = %d, %v; want 4, nil", n, err)
	}
	if buf[0] != 1 || buf[3] != 4 {
		t.Errorf("read wrong bytes: %v", buf)
	}

	// a borrower must not end a relationship it does not own
	if err := borrowed.Detach(); err != nil {
		t.Fatal(err)
	}
	if sess.detached {
		t.Error("Detach leaked through to the owning session")
	}
}

func TestOpenWrongPid(t *testing.T) {
	sess := &fakeSession{pid: 42, attached: true}
	tok, err := ptracer.Activate(sess)
	if err != nil {
		t.Fatal(err)
	}
	defer tok.Release()

	_, err = ptracer.Open(43)
	var nerr *ptracer.NotAttachedError
	if !errors.As(err, &nerr) {
		t.Fatalf("Open(43) = %v; want NotAttachedError", err)
	}
	if nerr.Pid != 43 {
		t.Errorf("NotAttachedError.Pid = %d; want 43", nerr.Pid)
	}
}

func TestActivateQueues(t *testing.T) {
	s1 := &fakeSession{pid: 1, attached: true}
	s2 := &fakeSession{pid: 2, attached: true}

	tok1, err := ptracer.Activate(s1)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *ptracer.Token)
	go func() {
		tok2, err := ptracer.Activate(s2)
		if err != nil {
			t.Error(err)
			got <- nil
			return
		}
		got <- tok2
	}()

	select {
	case <-got:
		t.Fatal("second Activate did not wait for the first Release")
	case <-time.After(50 * time.Millisecond):
	}

	tok1.Release()

	select {
	case tok2 := <-got:
		if tok2 == nil {
			t.Fatal("second Activate failed")
		}
		if _, err := ptracer.Open(2); err != nil {
			t.Fatalf("Open(2) after queued activation: %v", err)
		}
		tok2.Release()
	case <-time.After(time.Second):
		t.Fatal("second Activate never completed")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	sess := &fakeSession{pid: 5, attached: true}
	tok, err := ptracer.Activate(sess)
	if err != nil {
		t.Fatal(err)
	}
	tok.Release()
	tok.Release()

	tok2, err := ptracer.Activate(sess)
	if err != nil {
		t.Fatalf("Activate after double Release: %v", err)
	}
	tok2.Release()
}

func TestActivateRejectsUnusableSessions(t *testing.T) {
	_, err := ptracer.Activate(nil)
	var perr *ptracer.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("Activate(nil) = %v; want PermissionError", err)
	}

	dead := &fakeSession{pid: 7, attached: false}
	_, err = ptracer.Activate(dead)
	var nerr *ptracer.NotAttachedError
	if !errors.As(err, &nerr) {
		t.Fatalf("Activate(dead) = %v; want NotAttachedError", err)
	}

	// failed activations must leave the arbiter free
	live := &fakeSession{pid: 8, attached: true}
	tok, err := ptracer.Activate(live)
	if err != nil {
		t.Fatal(err)
	}
	tok.Release()
}
