package app

import (
	"context"

	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/olm"
	"e2e_ratchet/internal/utils/log"

	"go.uber.org/zap"
)

func (c *App) loadAccount(ctx context.Context) error {
	user, err := c.accounts.GetByName(ctx, c.opts.Name)
	if err != nil {
		return err
	}

	if user != nil {
		account, err := olm.UnpickleAccount(user.AccountPickle, c.opts.PickleKey, c.opts.Encoding)
		if err != nil {
			return err
		}
		c.user, c.account = user, account
		return nil
	}

	account, err := olm.NewAccount(c.opts.Encoding)
	if err != nil {
		return err
	}
	c.user = &model.User{Name: c.opts.Name}
	c.account = account
	log.Info("created account", zap.String("name", c.opts.Name))
	return c.saveAccount(ctx)
}

func (c *App) saveAccount(ctx context.Context) error {
	pickled, err := c.account.Pickle(c.opts.PickleKey)
	if err != nil {
		return err
	}
	c.user.AccountPickle = pickled
	return c.accounts.Save(ctx, c.user)
}

// publishKeys generates n one-time keys and uploads every unpublished
// key with the identity keys, signed by the account.
func (c *App) publishKeys(ctx context.Context, n int) error {
	if err := c.account.GenerateOneTimeKeys(n); err != nil {
		return err
	}

	identity, err := c.account.IdentityKeys()
	if err != nil {
		return err
	}
	otks, err := c.account.OneTimeKeys()
	if err != nil {
		return err
	}
	fallback, err := c.account.UnpublishedFallbackKey()
	if err != nil {
		return err
	}

	bundle := &model.KeyBundle{
		User:        c.opts.Name,
		Identity:    *identity,
		OneTimeKeys: otks,
		FallbackKey: fallback,
	}
	bundle.Signature, err = c.account.Sign(bundle.SigningPayload())
	if err != nil {
		return err
	}

	if err := c.directory.Publish(ctx, bundle); err != nil {
		return err
	}
	if err := c.account.MarkOneTimeKeysAsPublished(); err != nil {
		return err
	}
	log.Debug("published one-time keys", zap.Int("count", len(otks)))
	return c.saveAccount(ctx)
}

// replenish tops the directory back up once half the keys are claimed.
func (c *App) replenish(ctx context.Context) {
	n, err := c.directory.Count(ctx, c.opts.Name)
	if err != nil {
		log.Warn("count one-time keys failed", zap.Error(err))
		return
	}
	if n > c.opts.OneTimeKeys/2 {
		return
	}
	if err := c.publishKeys(ctx, c.opts.OneTimeKeys-n); err != nil {
		log.Warn("replenish one-time keys failed", zap.Error(err))
	}
}
