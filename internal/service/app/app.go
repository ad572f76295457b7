package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrNoSession     = errors.New("no session with peer")
	ErrUnknownGroup  = errors.New("unknown group session")
	ErrNoRecipient   = errors.New("no recipient selected")
	ErrNotStarted    = errors.New("app not started")
	errUnhandledKind = errors.New("unhandled envelope kind")
)

type (
	// AccountStore persists the account pickle.
	AccountStore interface {
		GetByName(ctx context.Context, name string) (*model.User, error)
		Save(ctx context.Context, user *model.User) error
	}

	// SessionStore persists session pickles. Load returns "" when nothing
	// is stored.
	SessionStore interface {
		SaveSession(ctx context.Context, owner, peer, pickle string) error
		LoadSession(ctx context.Context, owner, peer string) (string, error)
		SaveGroupSession(ctx context.Context, owner, sessionID, pickle string) error
		LoadGroupSession(ctx context.Context, owner, sessionID string) (string, error)
	}

	// Directory is the server side key directory.
	Directory interface {
		Publish(ctx context.Context, bundle *model.KeyBundle) error
		Claim(ctx context.Context, name string) (*model.ClaimedKeys, error)
		Count(ctx context.Context, name string) (int, error)
	}

	// Transport carries envelopes to and from the relay.
	Transport interface {
		Send(env *model.Envelope) error
		Receive() (*model.Envelope, error)
		Close() error
	}

	Options struct {
		Name        string
		PickleKey   []byte
		OneTimeKeys int
		Encoding    model.Encoding
	}

	// Received is a decrypted message ready for display.
	Received struct {
		From    string
		Group   string
		Index   uint32
		Text    string
		IsGroup bool
	}

	App struct {
		mu sync.Mutex

		opts Options

		accounts  AccountStore
		sessions  SessionStore
		directory Directory
		transport Transport

		user    *model.User
		account *olm.Account

		peers    map[string]*olm.Session
		outbound map[string]*olm.OutboundGroupSession
		inbound  map[string]*olm.InboundGroupSession
	}
)

func NewApp(opts Options, accounts AccountStore, sessions SessionStore, directory Directory, transport Transport) *App {
	if opts.OneTimeKeys <= 0 {
		opts.OneTimeKeys = 10
	}
	return &App{
		opts:      opts,
		accounts:  accounts,
		sessions:  sessions,
		directory: directory,
		transport: transport,
		peers:     make(map[string]*olm.Session),
		outbound:  make(map[string]*olm.OutboundGroupSession),
		inbound:   make(map[string]*olm.InboundGroupSession),
	}
}

func (c *App) Name() string {
	return c.opts.Name
}

// Start loads or creates the account and publishes a fresh batch of
// one-time keys together with a new fallback key.
func (c *App) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadAccount(ctx); err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if err := c.account.GenerateFallbackKey(); err != nil {
		return err
	}
	if err := c.publishKeys(ctx, c.opts.OneTimeKeys); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	return nil
}

// Stop releases every handle. Persisted state is already current.
func (c *App) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.peers {
		s.Release()
	}
	for _, s := range c.outbound {
		s.Release()
	}
	for _, s := range c.inbound {
		s.Release()
	}
	clear(c.peers)
	clear(c.outbound)
	clear(c.inbound)

	if c.account != nil {
		c.account.Release()
		c.account = nil
	}
}

// SendMessage encrypts text for one peer, creating a session from a
// claimed one-time key on first contact.
func (c *App) SendMessage(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account == nil {
		return ErrNotStarted
	}
	return c.sendDirect(ctx, to, model.EnvelopeDirect, []byte(text))
}

// HandleEnvelope decrypts one envelope from the relay. It returns nil
// for envelopes that carry no text, such as group session keys.
func (c *App) HandleEnvelope(ctx context.Context, env *model.Envelope) (*Received, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account == nil {
		return nil, ErrNotStarted
	}

	switch env.Kind {
	case model.EnvelopeDirect:
		plaintext, err := c.decryptDirect(ctx, env.From, env.Message)
		if err != nil {
			return nil, err
		}
		return &Received{From: env.From, Text: string(plaintext)}, nil

	case model.EnvelopeGroupKey:
		sessionKey, err := c.decryptDirect(ctx, env.From, env.Message)
		if err != nil {
			return nil, err
		}
		return nil, c.addInboundGroup(ctx, env.From, string(sessionKey))

	case model.EnvelopeGroup:
		return c.decryptGroup(ctx, env)
	}

	log.Warn("dropping envelope", zap.String("id", env.ID), zap.String("kind", string(env.Kind)))
	return nil, fmt.Errorf("%w: %q", errUnhandledKind, env.Kind)
}
