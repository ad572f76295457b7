package config

import (
	"errors"
	"fmt"

	"e2e_ratchet/internal/model"

	"github.com/spf13/cobra"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Listen    string
	RedisAddr string
	RedisDB   int
	MongoURI  string
	MongoDB   string

	Server      string
	User        string
	PickleKey   string
	OneTimeKeys int
	Encoding    string

	Debug bool
}

func Default() *Config {
	return &Config{
		Listen:      "localhost:9090",
		RedisAddr:   "localhost:6379",
		RedisDB:     0,
		MongoURI:    "mongodb://localhost:27017",
		MongoDB:     "mydb",
		Server:      "localhost:9090",
		OneTimeKeys: 10,
		Encoding:    "base64-raw",
	}
}

func bindStorageFlags(cmd *cobra.Command, c *Config) {
	f := cmd.Flags()
	f.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis server address")
	f.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database number")
	f.StringVar(&c.MongoURI, "mongo-uri", c.MongoURI, "mongodb connection uri")
	f.StringVar(&c.MongoDB, "mongo-db", c.MongoDB, "mongodb database name")
	f.StringVar(&c.Encoding, "encoding", c.Encoding, "key encoding: base64-raw, base64, base64url-raw or base64url")
	f.BoolVar(&c.Debug, "debug", c.Debug, "development logging")
}

func BindServerFlags(cmd *cobra.Command, c *Config) {
	bindStorageFlags(cmd, c)
	cmd.Flags().StringVar(&c.Listen, "listen", c.Listen, "address to serve the relay on")
}

func BindClientFlags(cmd *cobra.Command, c *Config) {
	bindStorageFlags(cmd, c)
	f := cmd.Flags()
	f.StringVar(&c.Server, "server", c.Server, "relay host:port")
	f.StringVarP(&c.User, "user", "u", c.User, "your user name")
	f.StringVarP(&c.PickleKey, "pickle-key", "p", c.PickleKey, "key protecting stored account and sessions")
	f.IntVar(&c.OneTimeKeys, "one-time-keys", c.OneTimeKeys, "one-time keys kept published")
}

// ParseEncoding maps a flag value to a model.Encoding.
func ParseEncoding(s string) (model.Encoding, error) {
	for _, enc := range []model.Encoding{model.EncodingRawStd, model.EncodingStd, model.EncodingRawURL, model.EncodingURL} {
		if enc.String() == s {
			return enc, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown encoding %q", ErrInvalidConfig, s)
}

func (c *Config) ValidateServer() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	}
	_, err := ParseEncoding(c.Encoding)
	return err
}

func (c *Config) ValidateClient() error {
	switch {
	case c.User == "":
		return fmt.Errorf("%w: user required (-u)", ErrInvalidConfig)
	case c.PickleKey == "":
		return fmt.Errorf("%w: pickle key required (-p)", ErrInvalidConfig)
	case c.Server == "":
		return fmt.Errorf("%w: empty server address", ErrInvalidConfig)
	case c.OneTimeKeys <= 0:
		return fmt.Errorf("%w: one-time keys must be positive", ErrInvalidConfig)
	}
	_, err := ParseEncoding(c.Encoding)
	return err
}
