package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/utils/log"

	"go.uber.org/zap"
)

// groupName expects sorted, distinct members.
func groupName(members []string) string {
	return strings.Join(members, ",")
}

func outboundKey(name string) string {
	return "outbound: " + name
}

func (c *App) outboundGroup(ctx context.Context, name string) (*olm.OutboundGroupSession, error) {
	if s, ok := c.outbound[name]; ok {
		return s, nil
	}

	pickled, err := c.sessions.LoadGroupSession(ctx, c.opts.Name, outboundKey(name))
	if err != nil || pickled == "" {
		return nil, err
	}
	s, err := olm.UnpickleOutboundGroupSession(pickled, c.opts.PickleKey, c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	c.outbound[name] = s
	return s, nil
}

// shareGroupSession creates a group session and sends its key to every
// member over the pairwise sessions.
func (c *App) shareGroupSession(ctx context.Context, name string, members []string) (*olm.OutboundGroupSession, error) {
	s, err := olm.NewOutboundGroupSession(c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	key, err := s.SessionKey()
	if err != nil {
		s.Release()
		return nil, err
	}

	for _, m := range members {
		if err := c.sendDirect(ctx, m, model.EnvelopeGroupKey, []byte(key)); err != nil {
			s.Release()
			return nil, fmt.Errorf("share group key with %s: %w", m, err)
		}
	}

	c.outbound[name] = s
	log.Debug("group session shared", zap.String("group", name), zap.Int("members", len(members)))
	return s, nil
}

// SendGroup encrypts text once and fans the ciphertext out to members.
func (c *App) SendGroup(ctx context.Context, members []string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.account == nil {
		return ErrNotStarted
	}
	members = slices.DeleteFunc(slices.Clone(members), func(m string) bool {
		return m == "" || m == c.opts.Name
	})
	if len(members) == 0 {
		return ErrNoRecipient
	}
	slices.Sort(members)
	members = slices.Compact(members)

	name := groupName(members)
	s, err := c.outboundGroup(ctx, name)
	if err != nil {
		return err
	}
	if s == nil {
		if s, err = c.shareGroupSession(ctx, name, members); err != nil {
			return err
		}
	}

	ciphertext, err := s.Encrypt([]byte(text))
	if err != nil {
		return err
	}
	id, err := s.ID()
	if err != nil {
		return err
	}

	pickled, err := s.Pickle(c.opts.PickleKey)
	if err != nil {
		return err
	}
	if err := c.sessions.SaveGroupSession(ctx, c.opts.Name, outboundKey(name), pickled); err != nil {
		return err
	}

	for _, m := range members {
		err := c.transport.Send(&model.Envelope{
			To:        m,
			Kind:      model.EnvelopeGroup,
			Group:     ciphertext,
			SessionID: id,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *App) inboundGroup(ctx context.Context, sessionID string) (*olm.InboundGroupSession, error) {
	if s, ok := c.inbound[sessionID]; ok {
		return s, nil
	}

	pickled, err := c.sessions.LoadGroupSession(ctx, c.opts.Name, sessionID)
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, sessionID)
	}
	s, err := olm.UnpickleInboundGroupSession(pickled, c.opts.PickleKey, c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	c.inbound[sessionID] = s
	return s, nil
}

func (c *App) saveInboundGroup(ctx context.Context, sessionID string, s *olm.InboundGroupSession) error {
	pickled, err := s.Pickle(c.opts.PickleKey)
	if err != nil {
		return err
	}
	return c.sessions.SaveGroupSession(ctx, c.opts.Name, sessionID, pickled)
}

func (c *App) addInboundGroup(ctx context.Context, from, sessionKey string) error {
	s, err := olm.NewInboundGroupSession(sessionKey, c.opts.Encoding)
	if err != nil {
		return err
	}
	id, err := s.ID()
	if err != nil {
		s.Release()
		return err
	}

	if old, ok := c.inbound[id]; ok {
		oldIndex, _ := old.FirstKnownIndex()
		newIndex, _ := s.FirstKnownIndex()
		if oldIndex <= newIndex {
			s.Release()
			return nil
		}
		old.Release()
	}

	c.inbound[id] = s
	log.Debug("group session received", zap.String("from", from), zap.String("session_id", id))
	return c.saveInboundGroup(ctx, id, s)
}

func (c *App) decryptGroup(ctx context.Context, env *model.Envelope) (*Received, error) {
	s, err := c.inboundGroup(ctx, env.SessionID)
	if err != nil {
		return nil, err
	}

	plaintext, index, err := s.Decrypt(env.Group)
	if err != nil {
		return nil, err
	}
	if err := c.saveInboundGroup(ctx, env.SessionID, s); err != nil {
		return nil, err
	}

	return &Received{
		From:    env.From,
		Group:   env.SessionID,
		Index:   index,
		Text:    string(plaintext),
		IsGroup: true,
	}, nil
}
