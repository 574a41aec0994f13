package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/tools"
)

func newTestConn() *ConnState {
	return newConnState("conn-1", approval.NewPolicy(approval.TierSession, nil))
}

func TestBeginTurnRejectsSecond(t *testing.T) {
	conn := newTestConn()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !conn.beginTurn("req-1", cancel) {
		t.Fatal("first beginTurn should succeed")
	}
	if conn.beginTurn("req-2", cancel) {
		t.Fatal("second beginTurn should be rejected while in flight")
	}

	conn.endTurn()
	if !conn.beginTurn("req-3", cancel) {
		t.Fatal("beginTurn should succeed after endTurn")
	}
}

func TestBeginTurnAfterCloseFails(t *testing.T) {
	conn := newTestConn()
	conn.close()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	if conn.beginTurn("req-1", cancel) {
		t.Fatal("beginTurn should fail on a closed connection")
	}
}

func TestResolveWaitSingleShot(t *testing.T) {
	conn := newTestConn()
	w, ok := conn.addWait("ap-1", "write_file")
	if !ok {
		t.Fatal("addWait failed")
	}

	if !conn.resolveWait("ap-1", waitResolution{approved: true, outcome: "approved"}) {
		t.Fatal("first resolution should win")
	}
	if conn.resolveWait("ap-1", waitResolution{outcome: "timeout"}) {
		t.Fatal("second resolution must be a no-op")
	}

	res := <-w.ch
	if !res.approved || res.outcome != "approved" {
		t.Fatalf("got %+v, want first resolution", res)
	}
}

func TestResolveWaitConcurrentRace(t *testing.T) {
	conn := newTestConn()
	w, _ := conn.addWait("ap-1", "exec_shell")

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, outcome := range []string{"approved", "denied", "timeout", "cancelled"} {
		wg.Add(1)
		go func(outcome string) {
			defer wg.Done()
			if conn.resolveWait("ap-1", waitResolution{approved: outcome == "approved", outcome: outcome}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(outcome)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one resolution should win, got %d", wins)
	}
	select {
	case <-w.ch:
	case <-time.After(time.Second):
		t.Fatal("resolution never delivered")
	}
}

func TestAddWaitAfterCloseFails(t *testing.T) {
	conn := newTestConn()
	conn.close()
	if _, ok := conn.addWait("ap-1", "write_file"); ok {
		t.Fatal("addWait should fail on a closed connection")
	}
}

func TestCloseDeniesAllWaits(t *testing.T) {
	conn := newTestConn()
	w1, _ := conn.addWait("ap-1", "write_file")
	w2, _ := conn.addWait("ap-2", "exec_shell")

	conn.close()

	for _, w := range []*pendingWait{w1, w2} {
		select {
		case res := <-w.ch:
			if res.approved {
				t.Fatal("close must deny pending waits")
			}
			if res.outcome != "cancelled" {
				t.Fatalf("outcome = %q, want cancelled", res.outcome)
			}
		case <-time.After(time.Second):
			t.Fatal("wait never resolved on close")
		}
	}
}

func TestAbortTurnCancelsContext(t *testing.T) {
	conn := newTestConn()
	ctx, cancel := context.WithCancel(context.Background())
	conn.beginTurn("req-1", cancel)

	conn.abortTurn()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("abortTurn should cancel the turn context")
	}
}

func TestRegistryCacheInvalidation(t *testing.T) {
	conn := newTestConn()
	if conn.cachedRegistry() != nil {
		t.Fatal("fresh connection should have no cached registry")
	}

	reg := &tools.Registry{}
	conn.cacheRegistry(reg)
	if conn.cachedRegistry() != reg {
		t.Fatal("cached registry should be returned")
	}

	conn.invalidateRegistry()
	if conn.cachedRegistry() != nil {
		t.Fatal("invalidate should clear the cache")
	}
}
