package x3dh

import (
	"e2e_ratchet/internal/cryptographic/dh"
	"e2e_ratchet/internal/cryptographic/kdf"
	"e2e_ratchet/internal/utils/memzero"
)

const SharedKeySize = 32

type (
	// SenderKeyBundle is what the initiator holds when starting a session.
	SenderKeyBundle struct {
		IdentityPriv [dh.KeySize]byte
		BasePriv     [dh.KeySize]byte

		TheirIdentity   [dh.KeySize]byte
		TheirOneTimeKey [dh.KeySize]byte
	}

	// ReceiverKeyBundle is what the responder recovers from a pre-key message.
	ReceiverKeyBundle struct {
		TheirIdentity [dh.KeySize]byte
		TheirBase     [dh.KeySize]byte

		IdentityPriv   [dh.KeySize]byte
		OneTimeKeyPriv [dh.KeySize]byte
	}

	X3DHBase struct{}

	X3DHSender struct {
		*X3DHBase
	}

	X3DHReceiver struct {
		*X3DHBase
	}
)

func NewSender() *X3DHSender {
	return &X3DHSender{X3DHBase: &X3DHBase{}}
}

func NewReceiver() *X3DHReceiver {
	return &X3DHReceiver{X3DHBase: &X3DHBase{}}
}

func (s *X3DHBase) GenerateShareKey(dh1, dh2, dh3 []byte) ([]byte, error) {
	concat := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	defer memzero.Zero(concat)

	sk, err := kdf.Expand(concat, nil, []byte("SharedKey"), SharedKeySize)
	if err != nil {
		return nil, err
	}
	return sk, nil
}

// GenerateShareKey computes
// DH(IKa, OTKb) || DH(EKa, IKb) || DH(EKa, OTKb).
func (s *X3DHSender) GenerateShareKey(skb *SenderKeyBundle) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(skb.IdentityPriv, skb.TheirOneTimeKey)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh1)

	dh2, err := dh.X25519SharedSecret(skb.BasePriv, skb.TheirIdentity)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh2)

	dh3, err := dh.X25519SharedSecret(skb.BasePriv, skb.TheirOneTimeKey)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh3)

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3)
}

func (s *X3DHReceiver) GenerateShareKey(rkb *ReceiverKeyBundle) ([]byte, error) {
	dh1, err := dh.X25519SharedSecret(rkb.OneTimeKeyPriv, rkb.TheirIdentity)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh1)

	dh2, err := dh.X25519SharedSecret(rkb.IdentityPriv, rkb.TheirBase)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh2)

	dh3, err := dh.X25519SharedSecret(rkb.OneTimeKeyPriv, rkb.TheirBase)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh3)

	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3)
}

// SessionID hashes the public inputs of the agreement, so both sides
// arrive at the same value.
func SessionID(aliceIdentity, aliceBase, bobOneTimeKey [dh.KeySize]byte) []byte {
	b := make([]byte, 0, 3*dh.KeySize)
	b = append(b, aliceIdentity[:]...)
	b = append(b, aliceBase[:]...)
	b = append(b, bobOneTimeKey[:]...)
	return kdf.Sha256(b)
}
