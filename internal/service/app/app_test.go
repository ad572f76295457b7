package app

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/repository/keys"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAccounts struct {
	mu    sync.Mutex
	users map[string]model.User
}

func (m *memAccounts) GetByName(_ context.Context, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *memAccounts) Save(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Name] = *user
	return nil
}

type memSessions struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSessions) set(k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[k] = v
	return nil
}

func (m *memSessions) get(k string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[k], nil
}

func (m *memSessions) SaveSession(_ context.Context, owner, peer, pickle string) error {
	return m.set("s/"+owner+"/"+peer, pickle)
}

func (m *memSessions) LoadSession(_ context.Context, owner, peer string) (string, error) {
	return m.get("s/" + owner + "/" + peer)
}

func (m *memSessions) SaveGroupSession(_ context.Context, owner, id, pickle string) error {
	return m.set("g/"+owner+"/"+id, pickle)
}

func (m *memSessions) LoadGroupSession(_ context.Context, owner, id string) (string, error) {
	return m.get("g/" + owner + "/" + id)
}

type memDirectory struct {
	mu      sync.Mutex
	bundles map[string]*model.KeyBundle
}

func (d *memDirectory) Publish(_ context.Context, b *model.KeyBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.bundles[b.User]
	if !ok {
		old = &model.KeyBundle{User: b.User, Identity: b.Identity, OneTimeKeys: model.OneTimeKeys{}}
		d.bundles[b.User] = old
	}
	if old.Identity != b.Identity {
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

// hub routes envelopes between in-process apps the way the relay does.
type hub struct {
	mu    sync.Mutex
	inbox map[string][]*model.Envelope
}

type hubTransport struct {
	name string
	hub  *hub
}

func (t *hubTransport) Send(env *model.Envelope) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	cp := *env
	cp.From = t.name
	t.hub.inbox[env.To] = append(t.hub.inbox[env.To], &cp)
	return nil
}

func (t *hubTransport) Receive() (*model.Envelope, error) {
	return nil, io.EOF
}

func (t *hubTransport) Close() error {
	return nil
}

func (h *hub) take(name string) []*model.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inbox[name]
	delete(h.inbox, name)
	return out
}

type world struct {
	hub       *hub
	directory *memDirectory
	accounts  *memAccounts
	sessions  *memSessions
}

func newWorld() *world {
	return &world{
		hub:       &hub{inbox: make(map[string][]*model.Envelope)},
		directory: &memDirectory{bundles: make(map[string]*model.KeyBundle)},
		accounts:  &memAccounts{users: make(map[string]model.User)},
		sessions:  &memSessions{values: make(map[string]string)},
	}
}

func (w *world) app(t *testing.T, name string, otks int) *App {
	t.Helper()
	opts := Options{
		Name:        name,
		PickleKey:   []byte("pickle key of " + name),
		OneTimeKeys: otks,
		Encoding:    model.EncodingRawStd,
	}
	a := NewApp(opts, w.accounts, w.sessions, w.directory, &hubTransport{name: name, hub: w.hub})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

// deliver hands every pending envelope of a to it and collects the output.
func (w *world) deliver(t *testing.T, a *App) []*Received {
	t.Helper()
	var out []*Received
	for _, env := range w.hub.take(a.Name()) {
		r, err := a.HandleEnvelope(context.Background(), env)
		require.NoError(t, err)
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func texts(rs []*Received) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.From+": "+r.Text)
	}
	return out
}

func TestDirectConversation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := w.app(t, "alice", 4)
	bob := w.app(t, "bob", 4)

	require.NoError(t, alice.SendMessage(ctx, "bob", "hi bob"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "are you there?"))
	assert.Equal(t, []string{"alice: hi bob", "alice: are you there?"}, texts(w.deliver(t, bob)))

	n, err := w.directory.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, bob.SendMessage(ctx, "alice", "yes"))
	assert.Equal(t, []string{"bob: yes"}, texts(w.deliver(t, alice)))

	require.NoError(t, alice.SendMessage(ctx, "bob", "great"))
	envs := w.hub.take("bob")
	require.Len(t, envs, 1)
	assert.Equal(t, model.MessageTypeNormal, envs[0].Message.Type)

	r, err := bob.HandleEnvelope(ctx, envs[0])
	require.NoError(t, err)
	assert.Equal(t, "great", r.Text)

	_, err = bob.HandleEnvelope(ctx, envs[0])
	assert.Error(t, err)
}

func TestReplenishOneTimeKeys(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := w.app(t, "alice", 2)
	carol := w.app(t, "carol", 2)
	bob := w.app(t, "bob", 2)

	require.NoError(t, alice.SendMessage(ctx, "bob", "from alice"))
	require.NoError(t, carol.SendMessage(ctx, "bob", "from carol"))

	n, err := w.directory.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ElementsMatch(t, []string{"alice: from alice", "carol: from carol"}, texts(w.deliver(t, bob)))

	n, err = w.directory.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFallbackKeyWhenOneTimeKeysRunOut(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := w.app(t, "alice", 2)
	carol := w.app(t, "carol", 2)
	bob := w.app(t, "bob", 1)

	require.NoError(t, alice.SendMessage(ctx, "bob", "one-time"))
	require.NoError(t, carol.SendMessage(ctx, "bob", "fallback"))
	assert.ElementsMatch(t, []string{"alice: one-time", "carol: fallback"}, texts(w.deliver(t, bob)))

	require.NoError(t, bob.SendMessage(ctx, "carol", "got it"))
	assert.Equal(t, []string{"bob: got it"}, texts(w.deliver(t, carol)))

	claimed, err := w.directory.Claim(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, claimed.Fallback, "replenished after the first session")
}

func TestSessionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := w.app(t, "alice", 4)
	bob := w.app(t, "bob", 4)

	require.NoError(t, alice.SendMessage(ctx, "bob", "one"))
	assert.Equal(t, []string{"alice: one"}, texts(w.deliver(t, bob)))
	bob.Stop()

	restarted := w.app(t, "bob", 4)
	require.NoError(t, alice.SendMessage(ctx, "bob", "two"))
	assert.Equal(t, []string{"alice: two"}, texts(w.deliver(t, restarted)))

	require.NoError(t, restarted.SendMessage(ctx, "alice", "three"))
	assert.Equal(t, []string{"bob: three"}, texts(w.deliver(t, alice)))
}

func TestGroupConversation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	alice := w.app(t, "alice", 4)
	bob := w.app(t, "bob", 4)
	carol := w.app(t, "carol", 4)

	require.NoError(t, alice.SendGroup(ctx, []string{"carol", "bob", "alice", "bob"}, "hello all"))
	require.NoError(t, alice.SendGroup(ctx, []string{"bob", "carol"}, "second"))

	for _, member := range []*App{bob, carol} {
		got := w.deliver(t, member)
		require.Len(t, got, 2)
		assert.True(t, got[0].IsGroup)
		assert.Equal(t, "alice", got[0].From)
		assert.Equal(t, "hello all", got[0].Text)
		assert.Equal(t, uint32(0), got[0].Index)
		assert.Equal(t, "second", got[1].Text)
		assert.Equal(t, uint32(1), got[1].Index)
		assert.Equal(t, got[0].Group, got[1].Group)
	}
	assert.Empty(t, w.hub.take("alice"))

	assert.ErrorIs(t, alice.SendGroup(ctx, []string{"alice", ""}, "nobody"), ErrNoRecipient)
}

func TestHandleEnvelopeErrors(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	bob := w.app(t, "bob", 2)

	_, err := bob.HandleEnvelope(ctx, &model.Envelope{
		From:    "eve",
		Kind:    model.EnvelopeDirect,
		Message: &model.Message{Type: model.MessageTypeNormal, Ciphertext: "AwAA"},
	})
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = bob.HandleEnvelope(ctx, &model.Envelope{From: "eve", Kind: model.EnvelopeGroup, SessionID: "nope", Group: "AwAA"})
	assert.ErrorIs(t, err, ErrUnknownGroup)

	_, err = bob.HandleEnvelope(ctx, &model.Envelope{From: "eve", Kind: "other"})
	assert.Error(t, err)

	idle := NewApp(Options{Name: "idle"}, w.accounts, w.sessions, w.directory, &hubTransport{name: "idle", hub: w.hub})
	assert.ErrorIs(t, idle.SendMessage(ctx, "bob", "x"), ErrNotStarted)
}

func TestRunCommands(t *testing.T) {
	w := newWorld()
	alice := w.app(t, "alice", 2)
	w.app(t, "bob", 2)

	in := strings.NewReader("orphan line\n/to bob\nhello\n\n/group bob second\n/quit\nignored\n")
	var out bytes.Buffer
	require.NoError(t, alice.Run(context.Background(), in, &out))

	assert.Contains(t, out.String(), "error: "+ErrNoRecipient.Error())
	assert.Contains(t, out.String(), "chatting with bob")

	envs := w.hub.take("bob")
	require.Len(t, envs, 3)
	assert.Equal(t, model.EnvelopeDirect, envs[0].Kind)
	assert.Equal(t, model.EnvelopeGroupKey, envs[1].Kind)
	assert.Equal(t, model.EnvelopeGroup, envs[2].Kind)
}
