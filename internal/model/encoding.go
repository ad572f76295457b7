package model

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrInvalidBase64 = errors.New("invalid base64")

// Encoding selects how binary keys and ciphertexts become strings.
// The zero value is unpadded standard base64.
type Encoding int

const (
	EncodingRawStd Encoding = iota
	EncodingStd
	EncodingRawURL
	EncodingURL
)

func (e Encoding) codec() *base64.Encoding {
	switch e {
	case EncodingStd:
		return base64.StdEncoding
	case EncodingRawURL:
		return base64.RawURLEncoding
	case EncodingURL:
		return base64.URLEncoding
	default:
		return base64.RawStdEncoding
	}
}

func (e Encoding) Encode(b []byte) string {
	return e.codec().EncodeToString(b)
}

func (e Encoding) Decode(s string) ([]byte, error) {
	b, err := e.codec().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return b, nil
}

func (e Encoding) String() string {
	switch e {
	case EncodingStd:
		return "base64"
	case EncodingRawURL:
		return "base64url-raw"
	case EncodingURL:
		return "base64url"
	default:
		return "base64-raw"
	}
}
