package app

import (
	"context"
	"fmt"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/utils/log"

	"go.uber.org/zap"
)

// session returns the pairwise session with peer from memory or the
// store, or nil when there is none.
func (c *App) session(ctx context.Context, peer string) (*olm.Session, error) {
	if s, ok := c.peers[peer]; ok {
		return s, nil
	}

	pickled, err := c.sessions.LoadSession(ctx, c.opts.Name, peer)
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, nil
	}

	s, err := olm.UnpickleSession(pickled, c.opts.PickleKey, c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	c.peers[peer] = s
	return s, nil
}

func (c *App) saveSession(ctx context.Context, peer string, s *olm.Session) error {
	pickled, err := s.Pickle(c.opts.PickleKey)
	if err != nil {
		return err
	}
	return c.sessions.SaveSession(ctx, c.opts.Name, peer, pickled)
}

func (c *App) setSession(peer string, s *olm.Session) {
	if old, ok := c.peers[peer]; ok && old != s {
		old.Release()
	}
	c.peers[peer] = s
}

// initSendingSession runs the sender side of the key agreement against
// a freshly claimed one-time key.
func (c *App) initSendingSession(ctx context.Context, peer string) (*olm.Session, error) {
	claimed, err := c.directory.Claim(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("claim keys of %s: %w", peer, err)
	}

	s, err := olm.NewOutboundSession(c.account, claimed.Identity.Curve25519, claimed.OneTimeKey)
	if err != nil {
		return nil, err
	}
	c.setSession(peer, s)
	log.Debug("outbound session created", zap.String("peer", peer), zap.String("key_id", claimed.OneTimeKeyID), zap.Bool("fallback", claimed.Fallback))
	return s, nil
}

// initReceiverSession answers a pre-key message. The one-time key it
// used is removed only after the message decrypts.
func (c *App) initReceiverSession(ctx context.Context, peer string, msg *model.Message) ([]byte, error) {
	s, err := olm.NewInboundSession(c.account, msg.Ciphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.Decrypt(msg)
	if err != nil {
		s.Release()
		return nil, err
	}

	if _, err := c.account.RemoveOneTimeKeys(s); err != nil {
		s.Release()
		return nil, err
	}
	if err := c.saveAccount(ctx); err != nil {
		s.Release()
		return nil, err
	}

	c.setSession(peer, s)
	log.Debug("inbound session created", zap.String("peer", peer))
	if err := c.saveSession(ctx, peer, s); err != nil {
		return nil, err
	}
	c.replenish(ctx)
	return plaintext, nil
}

func (c *App) sendDirect(ctx context.Context, to string, kind model.EnvelopeKind, plaintext []byte) error {
	s, err := c.session(ctx, to)
	if err != nil {
		return err
	}
	if s == nil {
		if s, err = c.initSendingSession(ctx, to); err != nil {
			return err
		}
	}

	msg, err := s.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := c.saveSession(ctx, to, s); err != nil {
		return err
	}

	return c.transport.Send(&model.Envelope{
		To:      to,
		Kind:    kind,
		Message: msg,
	})
}

func (c *App) decryptDirect(ctx context.Context, from string, msg *model.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: envelope without message", olm.ErrInvalidInput)
	}

	s, err := c.session(ctx, from)
	if err != nil {
		return nil, err
	}

	if msg.Type == model.MessageTypePreKey && (s == nil || !s.MatchesInbound(msg.Ciphertext)) {
		return c.initReceiverSession(ctx, from, msg)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, from)
	}

	plaintext, err := s.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	return plaintext, c.saveSession(ctx, from, s)
}
