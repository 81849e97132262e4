package web

import (
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/autopilot/internal/scheduler"
)

func testPushStore(t *testing.T) *pushStore {
	t.Helper()
	return &pushStore{path: filepath.Join(t.TempDir(), "subscriptions.json")}
}

func testSubscription(endpoint string) pushSubscription {
	return pushSubscription{
		Endpoint: endpoint,
		Keys:     pushSubscriptionKeys{P256DH: "p256", Auth: "auth"},
	}
}

func TestPushStore_UpsertListRemove(t *testing.T) {
	store := testPushStore(t)

	require.NoError(t, store.upsert(testSubscription("https://push.example/a")))
	require.NoError(t, store.upsert(testSubscription("https://push.example/b")))
	// Same endpoint again replaces, never duplicates.
	require.NoError(t, store.upsert(testSubscription("https://push.example/a")))

	subs, err := store.list()
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	require.NoError(t, store.remove("https://push.example/a"))
	subs, err = store.list()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/b", subs[0].Endpoint)
}

func TestPushStore_RejectsIncompleteSubscription(t *testing.T) {
	store := testPushStore(t)
	err := store.upsert(pushSubscription{Endpoint: "https://push.example/a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p256dh")
}

type fakePushSender struct {
	mu       sync.Mutex
	sent     []string
	statuses map[string]int
}

func (f *fakePushSender) send(_ []byte, sub pushSubscription) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	if status, ok := f.statuses[sub.Endpoint]; ok {
		return status, assert.AnError
	}
	return 201, nil
}

func newTestPushService(t *testing.T, sender pushSender) *pushService {
	t.Helper()
	return &pushService{
		publicKey: "pub",
		subject:   "mailto:test@example.com",
		store:     testPushStore(t),
		sender:    sender,
	}
}

func TestPushNotify_SendsForPromptEvents(t *testing.T) {
	sender := &fakePushSender{}
	svc := newTestPushService(t, sender)
	require.NoError(t, svc.store.upsert(testSubscription("https://push.example/a")))

	svc.notify(scheduler.Event{
		Type:    scheduler.EventPromptDetected,
		Session: "agent-1",
		Detail:  "confirmation",
		Time:    time.Now(),
	})
	assert.Equal(t, []string{"https://push.example/a"}, sender.sent)
}

func TestPushNotify_IgnoresLifecycleEvents(t *testing.T) {
	sender := &fakePushSender{}
	svc := newTestPushService(t, sender)
	require.NoError(t, svc.store.upsert(testSubscription("https://push.example/a")))

	svc.notify(scheduler.Event{Type: scheduler.EventLoopStarted, Session: "agent-1"})
	svc.notify(scheduler.Event{Type: scheduler.EventMessageSent, Session: "agent-1"})
	assert.Empty(t, sender.sent)
}

func TestPushNotify_DropsGoneEndpoints(t *testing.T) {
	sender := &fakePushSender{statuses: map[string]int{
		"https://push.example/dead": http.StatusGone,
	}}
	svc := newTestPushService(t, sender)
	require.NoError(t, svc.store.upsert(testSubscription("https://push.example/dead")))
	require.NoError(t, svc.store.upsert(testSubscription("https://push.example/live")))

	svc.notify(scheduler.Event{Type: scheduler.EventAutoCompact, Session: "agent-1", Time: time.Now()})

	subs, err := svc.store.list()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/live", subs[0].Endpoint)
}

func TestNewPushService_RequiresKeys(t *testing.T) {
	_, err := newPushService(Config{PushEnabled: true, SubscriptionsPath: "/tmp/x.json"})
	assert.Error(t, err)
}
