package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"homecloud/pkg/backplane"
	"homecloud/pkg/types"

	"go.uber.org/zap"
)

type closedSubject struct {
	kind     types.SubjectKind
	id       string
	deviceID types.DeviceID
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []closedSubject
	held   map[string]int // subject id -> live connection count
}

func newFakeCloser(held map[string]int) *fakeCloser {
	if held == nil {
		held = make(map[string]int)
	}
	return &fakeCloser{held: held}
}

func (f *fakeCloser) CloseSubject(kind types.SubjectKind, id string, reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, closedSubject{kind: kind, id: id})
	return f.held[id]
}

func (f *fakeCloser) CloseDevice(userID types.UserID, deviceID types.DeviceID, reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, closedSubject{kind: types.KindUser, id: string(userID), deviceID: deviceID})
	return f.held[string(userID)]
}

func (f *fakeCloser) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestDisconnectSubjectPropagates(t *testing.T) {
	bp := backplane.NewMemory()
	defer bp.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newFakeCloser(map[string]int{"inst-1": 1})
	remote := newFakeCloser(map[string]int{"inst-1": 1})

	w1 := New("gw-1", local, bp, zap.NewNop())
	w2 := New("gw-2", remote, bp, zap.NewNop())
	go w1.Run(ctx)
	go w2.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let subscriptions land

	closed, err := w1.DisconnectSubject(ctx, types.KindInstance, "inst-1")
	if err != nil {
		t.Fatalf("DisconnectSubject failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("expected 1 local close, got %d", closed)
	}

	// The other process reacts within one backplane round trip.
	waitFor(t, func() bool { return remote.closedCount() == 1 })
	if remote.closed[0].kind != types.KindInstance || remote.closed[0].id != "inst-1" {
		t.Errorf("unexpected remote close: %+v", remote.closed[0])
	}

	// The origin process must not also react to its own notice.
	time.Sleep(50 * time.Millisecond)
	if local.closedCount() != 1 {
		t.Errorf("origin watcher reacted to its own revocation: %d closes", local.closedCount())
	}
}

func TestDisconnectDeviceTargetsOnlyDevice(t *testing.T) {
	bp := backplane.NewMemory()
	defer bp.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := newFakeCloser(nil)
	remote := newFakeCloser(nil)

	w1 := New("gw-1", local, bp, zap.NewNop())
	w2 := New("gw-2", remote, bp, zap.NewNop())
	go w2.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	if _, err := w1.DisconnectDevice(ctx, "user-1", "device-1"); err != nil {
		t.Fatalf("DisconnectDevice failed: %v", err)
	}

	waitFor(t, func() bool { return remote.closedCount() == 1 })
	got := remote.closed[0]
	if got.id != "user-1" || got.deviceID != "device-1" {
		t.Errorf("expected device-scoped close, got %+v", got)
	}
}

func TestDisconnectSurfacesPublishFailure(t *testing.T) {
	bp := backplane.NewMemory()
	bp.Close()

	w := New("gw-1", newFakeCloser(nil), bp, zap.NewNop())
	if _, err := w.DisconnectSubject(context.Background(), types.KindUser, "user-1"); err == nil {
		t.Fatal("expected error when the backplane is down")
	}
}
