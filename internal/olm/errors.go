package olm

import (
	"errors"

	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/cryptographic/entropy"
	"e2e_ratchet/internal/cryptographic/signature"
	"e2e_ratchet/internal/model"
	"e2e_ratchet/internal/pickle"
	"e2e_ratchet/internal/protocol/doubleratchet"
	"e2e_ratchet/internal/protocol/message"
)

// Input validation.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidBase64 = model.ErrInvalidBase64
)

// Key agreement.
var (
	ErrBadMessageKeyID = errors.New("bad message key id")
	ErrBadPublicKey    = dh.ErrBadPublicKey
)

// Encoding.
var (
	ErrBadMessageFormat  = message.ErrBadMessageFormat
	ErrBadMessageVersion = message.ErrBadMessageVersion
	ErrBadSessionKey     = message.ErrBadSessionKey
)

// Authentication.
var (
	ErrBadMessageMAC = message.ErrBadMessageMAC
	ErrBadSignature  = signature.ErrBadSignature
	ErrBadAccountKey = pickle.ErrBadAccountKey
)

var (
	ErrSkipLimitExceeded   = doubleratchet.ErrSkipLimitExceeded
	ErrMessageReplayed     = doubleratchet.ErrMessageReplayed
	ErrUnknownMessageIndex = errors.New("unknown message index")

	ErrUnknownPickleVersion = pickle.ErrUnknownPickleVersion
	ErrCorruptedPickle      = pickle.ErrCorruptedPickle

	ErrMalformedKey       = signature.ErrMalformedKey
	ErrMalformedSignature = signature.ErrMalformedSignature

	ErrReleased = errors.New("object has been released")

	// ErrNotEnoughRandom is fatal; callers must not retry key generation.
	ErrNotEnoughRandom = entropy.ErrNotEnoughRandom
)
