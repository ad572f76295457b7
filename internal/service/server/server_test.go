package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/repository/keys"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDirectory struct {
	mu      sync.Mutex
	bundles map[string]*model.KeyBundle
}

func newMemDirectory() *memDirectory {
	return &memDirectory{bundles: make(map[string]*model.KeyBundle)}
}

func (d *memDirectory) Publish(_ context.Context, b *model.KeyBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.bundles[b.User]
	if !ok {
		d.bundles[b.User] = &model.KeyBundle{User: b.User, Identity: b.Identity, OneTimeKeys: model.OneTimeKeys{}}
		old = d.bundles[b.User]
	} else if old.Identity != b.Identity {
		return keys.ErrIdentityMismatch
	}
	for id, k := range b.OneTimeKeys {
		old.OneTimeKeys[id] = k
	}
	if len(b.FallbackKey) > 0 {
		old.FallbackKey = b.FallbackKey
	}
	return nil
}

func (d *memDirectory) Claim(_ context.Context, name string) (*model.ClaimedKeys, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bundles[name]
	if !ok {
		return nil, keys.ErrUnknownUser
	}
	for id, k := range b.OneTimeKeys {
		delete(b.OneTimeKeys, id)
		return &model.ClaimedKeys{User: name, Identity: b.Identity, OneTimeKeyID: id, OneTimeKey: k}, nil
	}
	for id, k := range b.FallbackKey {
		return &model.ClaimedKeys{User: name, Identity: b.Identity, OneTimeKeyID: id, OneTimeKey: k, Fallback: true}, nil
	}
	return nil, keys.ErrNoOneTimeKeys
}

func (d *memDirectory) Count(_ context.Context, name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bundles[name]
	if !ok {
		return 0, keys.ErrUnknownUser
	}
	return len(b.OneTimeKeys), nil
}

type memQueue struct {
	mu     sync.Mutex
	queued map[string][]string
}

func newMemQueue() *memQueue {
	return &memQueue{queued: make(map[string][]string)}
}

func (q *memQueue) Enqueue(_ context.Context, to string, envelopes ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range envelopes {
		q.queued[to] = append(q.queued[to], string(e))
	}
	return nil
}

func (q *memQueue) DrainQueue(_ context.Context, to string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queued[to]
	delete(q.queued, to)
	return out, nil
}

func (q *memQueue) len(to string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued[to])
}

func signedBundle(t *testing.T, name string, n int) *model.KeyBundle {
	t.Helper()
	a, err := olm.NewAccount(model.EncodingRawStd)
	require.NoError(t, err)
	t.Cleanup(a.Release)

	require.NoError(t, a.GenerateOneTimeKeys(n))
	ik, err := a.IdentityKeys()
	require.NoError(t, err)
	otks, err := a.OneTimeKeys()
	require.NoError(t, err)

	b := &model.KeyBundle{User: name, Identity: *ik, OneTimeKeys: otks}
	b.Signature, err = a.Sign(b.SigningPayload())
	require.NoError(t, err)
	return b
}

func newTestServer(t *testing.T) (*HttpServer, *memDirectory, *memQueue, *httptest.Server) {
	t.Helper()
	dir, q := newMemDirectory(), newMemQueue()
	s := NewHttpServer(dir, q, model.EncodingRawStd)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, dir, q, ts
}

func putBundle(t *testing.T, url string, b *model.KeyBundle) int {
	t.Helper()
	body, err := json.Marshal(b)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, url+"/keys/"+b.User, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestPublishAndClaim(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	b := signedBundle(t, "bob", 2)
	assert.Equal(t, http.StatusNoContent, putBundle(t, ts.URL, b))

	resp, err := http.Get(ts.URL + "/keys/bob/count")
	require.NoError(t, err)
	var count countResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	resp.Body.Close()
	assert.Equal(t, 2, count.Count)

	for range 2 {
		resp, err := http.Get(ts.URL + "/keys/bob")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var claimed model.ClaimedKeys
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
		resp.Body.Close()
		assert.Equal(t, b.Identity, claimed.Identity)
		assert.Equal(t, b.OneTimeKeys[claimed.OneTimeKeyID], claimed.OneTimeKey)
	}

	resp, err = http.Get(ts.URL + "/keys/bob")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/keys/nobody")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func claim(t *testing.T, url, name string) *model.ClaimedKeys {
	t.Helper()
	resp, err := http.Get(url + "/keys/" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claimed model.ClaimedKeys
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
	return &claimed
}

func TestClaimFallsBackWhenOneTimeKeysRunOut(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	a, err := olm.NewAccount(model.EncodingRawStd)
	require.NoError(t, err)
	t.Cleanup(a.Release)
	require.NoError(t, a.GenerateOneTimeKeys(1))
	require.NoError(t, a.GenerateFallbackKey())

	ik, err := a.IdentityKeys()
	require.NoError(t, err)
	otks, err := a.OneTimeKeys()
	require.NoError(t, err)
	fallback, err := a.UnpublishedFallbackKey()
	require.NoError(t, err)

	b := &model.KeyBundle{User: "bob", Identity: *ik, OneTimeKeys: otks, FallbackKey: fallback}
	b.Signature, err = a.Sign(b.SigningPayload())
	require.NoError(t, err)

	tampered := *b
	tampered.FallbackKey = otks
	assert.Equal(t, http.StatusUnauthorized, putBundle(t, ts.URL, &tampered))
	require.Equal(t, http.StatusNoContent, putBundle(t, ts.URL, b))

	first := claim(t, ts.URL, "bob")
	assert.False(t, first.Fallback)
	assert.Equal(t, otks[first.OneTimeKeyID], first.OneTimeKey)

	for range 2 {
		c := claim(t, ts.URL, "bob")
		assert.True(t, c.Fallback)
		assert.Equal(t, fallback[c.OneTimeKeyID], c.OneTimeKey)
	}
}

func TestPublishRejectsBadBundles(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	tampered := signedBundle(t, "bob", 1)
	for id := range tampered.OneTimeKeys {
		tampered.OneTimeKeys[id+"x"] = tampered.OneTimeKeys[id]
	}
	assert.Equal(t, http.StatusUnauthorized, putBundle(t, ts.URL, tampered))

	unsigned := signedBundle(t, "bob", 1)
	unsigned.Signature = ""
	assert.Equal(t, http.StatusBadRequest, putBundle(t, ts.URL, unsigned))

	first := signedBundle(t, "carol", 1)
	assert.Equal(t, http.StatusNoContent, putBundle(t, ts.URL, first))
	impostor := signedBundle(t, "carol", 1)
	assert.Equal(t, http.StatusConflict, putBundle(t, ts.URL, impostor))

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/keys/dave", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/init?userID=" + user
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func online(s *HttpServer, user string) func() bool {
	return func() bool { return s.lookup(user) != nil }
}

func TestRelayOnline(t *testing.T) {
	s, _, q, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice")
	bob := dial(t, ts.URL, "bob")
	require.Eventually(t, online(s, "alice"), time.Second, 10*time.Millisecond)
	require.Eventually(t, online(s, "bob"), time.Second, 10*time.Millisecond)

	sent := &model.Envelope{
		From:    "mallory",
		To:      "bob",
		Kind:    model.EnvelopeDirect,
		Message: &model.Message{Type: model.MessageTypeNormal, Ciphertext: "AAAA"},
	}
	require.NoError(t, alice.WriteJSON(sent))

	got := readEnvelope(t, bob)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.To)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, sent.Message, got.Message)
	assert.Zero(t, q.len("bob"))
}

func TestRelayQueuesForOfflineUser(t *testing.T) {
	s, _, q, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice")
	require.Eventually(t, online(s, "alice"), time.Second, 10*time.Millisecond)

	for _, id := range []string{"1", "2"} {
		require.NoError(t, alice.WriteJSON(&model.Envelope{ID: id, To: "bob", Kind: model.EnvelopeGroup, Group: "ct" + id}))
	}
	require.Eventually(t, func() bool { return q.len("bob") == 2 }, time.Second, 10*time.Millisecond)

	bob := dial(t, ts.URL, "bob")
	first := readEnvelope(t, bob)
	second := readEnvelope(t, bob)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, "alice", second.From)
	assert.Zero(t, q.len("bob"))
}

func TestDuplicateConnectionRejected(t *testing.T) {
	s, _, _, ts := newTestServer(t)

	dial(t, ts.URL, "alice")
	require.Eventually(t, online(s, "alice"), time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/init?userID=alice"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/init")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
