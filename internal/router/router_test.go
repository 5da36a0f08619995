package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/islserver/server/internal/config"
	"github.com/islserver/server/internal/reposcache"
)

// writeFakeSL installs a minimal fake "sl" on PATH: "root" prints repoDir,
// "status --template json" prints an empty array, everything else
// echoes its args and exits 0 — enough for GetRepoInfo's best-effort
// config probes and for FetchUncommittedChanges.
func writeFakeSL(t *testing.T, repoDir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake command script uses POSIX sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "sl")
	contents := `#!/bin/sh
if [ "$1" = "root" ] && [ "$2" != "--dotdir" ]; then
  echo "` + repoDir + `"
  exit 0
fi
if [ "$1" = "status" ]; then
  echo "[]"
  exit 0
fi
echo "ran $*"
exit 0
`
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// fakeSender is an in-memory wsserver.Sender recording every JSON
// message sent, keyed by type for easy assertions.
type fakeSender struct {
	mu     sync.Mutex
	sent   []outMessage
	closed bool
}

func (f *fakeSender) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := json.Marshal(v)
	var m outMessage
	_ = json.Unmarshal(b, &m)
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) SendBinary(b []byte) error { return nil }

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) byType(t string) []outMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func waitForMessage(t *testing.T, f *fakeSender, msgType string) outMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.byType(msgType); len(got) > 0 {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a %q message", msgType)
	return outMessage{}
}

func newTestConnection(t *testing.T) (*Connection, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	cache := reposcache.New()
	cfg := config.Default()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	build := NewConnection(cache, cfg, "sl", 2, log)
	conn := build(sender, "", "web")
	return conn.(*Connection), sender
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

// leaveLoading moves conn out of the loading state (where every message
// but changeCwd is queued) by pointing it at a directory that does not
// exist, so later messages are dispatched at once.
func leaveLoading(t *testing.T, conn *Connection, sender *fakeSender) {
	t.Helper()
	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"/no/such/path/ever"}`))
	waitForMessage(t, sender, outRepoInfo)
}

func TestHeartbeatEchoesID(t *testing.T) {
	conn, sender := newTestConnection(t)
	defer conn.Close()
	leaveLoading(t, conn, sender)

	conn.HandleText([]byte(`{"type":"heartbeat","id":"abc"}`))

	msg := waitForMessage(t, sender, outHeartbeat)
	if msg.ID != "abc" {
		t.Errorf("heartbeat id = %q, want abc", msg.ID)
	}
}

func TestChangeCwdResolvesAndSendsRepoInfo(t *testing.T) {
	root := t.TempDir()
	writeFakeSL(t, root)

	conn, sender := newTestConnection(t)
	defer conn.Close()

	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"` + root + `"}`))

	msg := waitForMessage(t, sender, outRepoInfo)
	if msg.Kind != "repo" {
		t.Fatalf("repoInfo kind = %q, want repo (error=%q)", msg.Kind, msg.Error)
	}
}

func TestChangeCwdToNonexistentDirSendsErrorInfo(t *testing.T) {
	conn, sender := newTestConnection(t)
	defer conn.Close()

	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"/no/such/path/ever"}`))

	msg := waitForMessage(t, sender, outRepoInfo)
	if msg.Kind != "error" {
		t.Fatalf("repoInfo kind = %q, want error", msg.Kind)
	}
}

func TestMessagesQueueWhileLoadingAndReplay(t *testing.T) {
	root := t.TempDir()
	writeFakeSL(t, root)

	conn, sender := newTestConnection(t)
	defer conn.Close()

	// Fire changeCwd and a heartbeat back-to-back; the heartbeat arrives
	// before resolution can possibly have finished and must still be
	// answered, in order, once the repo resolves.
	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"` + root + `"}`))
	conn.HandleText([]byte(`{"type":"heartbeat","id":"queued"}`))

	waitForMessage(t, sender, outRepoInfo)
	msg := waitForMessage(t, sender, outHeartbeat)
	if msg.ID != "queued" {
		t.Errorf("heartbeat id = %q, want queued", msg.ID)
	}
}

func TestSubscribeMergeConflictsPushesNoneImmediately(t *testing.T) {
	root := t.TempDir()
	writeFakeSL(t, root)

	conn, sender := newTestConnection(t)
	defer conn.Close()

	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"` + root + `"}`))
	waitForMessage(t, sender, outRepoInfo)

	conn.HandleText([]byte(`{"type":"subscribe","subscriptionID":"s1","kind":"mergeConflicts"}`))

	msg := waitForMessage(t, sender, outSubscriptionResult)
	if msg.SubscriptionID != "s1" || msg.Kind != "mergeConflicts" {
		t.Fatalf("got %+v", msg)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	conn, sender := newTestConnection(t)
	defer conn.Close()
	leaveLoading(t, conn, sender)

	conn.HandleText([]byte(`{"type":"subscribe","subscriptionID":"s1","kind":"mergeConflicts"}`))
	conn.HandleText([]byte(`{"type":"unsubscribe","subscriptionID":"s1"}`))
	conn.HandleText([]byte(`{"type":"unsubscribe","subscriptionID":"s1"}`)) // must not panic

	conn.mu.Lock()
	_, stillSubscribed := conn.subs["s1"]
	conn.mu.Unlock()
	if stillSubscribed {
		t.Error("subscription still present after unsubscribe")
	}
}

func TestBinaryBeforeMarkerIsProtocolErrorAndDropped(t *testing.T) {
	conn, _ := newTestConnection(t)
	defer conn.Close()

	conn.HandleBinary([]byte("stray"))

	conn.mu.Lock()
	pending := conn.pendingJSON
	conn.mu.Unlock()
	if pending != nil {
		t.Error("expected no pending marker after a stray binary frame")
	}
}

func TestJSONBeforeBinaryFollowupDiscardsPendingMarker(t *testing.T) {
	conn, sender := newTestConnection(t)
	defer conn.Close()
	leaveLoading(t, conn, sender)

	conn.HandleText([]byte(`{"type":"importStack","id":"imp1","hasBinaryPayload":true,"stack":{"commits":[{"hash":"h","description":"d","diff":""}]}}`))

	conn.mu.Lock()
	hadMarker := conn.pendingJSON != nil
	conn.mu.Unlock()
	if !hadMarker {
		t.Fatal("expected a pending binary marker after hasBinaryPayload message")
	}

	// A second JSON message arrives before the promised binary frame:
	// the marker is discarded and this new message is processed
	// normally instead.
	conn.HandleText([]byte(`{"type":"heartbeat","id":"after-discard"}`))

	conn.mu.Lock()
	clearedMarker := conn.pendingJSON == nil
	conn.mu.Unlock()
	if !clearedMarker {
		t.Error("pending marker should have been discarded")
	}

	msg := waitForMessage(t, sender, outHeartbeat)
	if msg.ID != "after-discard" {
		t.Errorf("heartbeat id = %q, want after-discard", msg.ID)
	}
}

func TestCloseDisposesSubscriptionsAndUnrefsRepo(t *testing.T) {
	root := t.TempDir()
	writeFakeSL(t, root)

	cache := reposcache.New()
	cfg := config.Default()
	log := logrus.New()
	log.SetOutput(testWriter{t})
	build := NewConnection(cache, cfg, "sl", 2, log)
	sender := &fakeSender{}
	conn := build(sender, "", "web").(*Connection)

	conn.HandleText([]byte(`{"type":"changeCwd","cwd":"` + root + `"}`))
	waitForMessage(t, sender, outRepoInfo)

	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1 before close", cache.Len())
	}

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for cache.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.Len() != 0 {
		t.Errorf("cache.Len() = %d, want 0 after close", cache.Len())
	}
}
