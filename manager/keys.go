package manager

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fleetwire/fleetwire/types"
)

var (
	ErrSealKeyMissing   = errors.New("key sealing secret is missing or malformed")
	ErrSealedKeyCorrupt = errors.New("sealed private key is corrupt")
)

// KeyService generates client keypairs and wraps private keys at rest with
// a server-held secretbox key. Absence of the sealing key fails closed:
// no service, no plaintext fallback.
type KeyService struct {
	sealKey [32]byte
}

func NewKeyService(secret []byte) (*KeyService, error) {
	if len(secret) != 32 {
		return nil, ErrSealKeyMissing
	}
	s := &KeyService{}
	copy(s.sealKey[:], secret)
	return s, nil
}

func (s *KeyService) Generate() (types.PrivateKey, types.PublicKey) {
	priv := types.NewPrivateKey()
	return priv, priv.Public()
}

// Seal encrypts the private key for storage. Output is nonce || box.
func (s *KeyService) Seal(priv types.PrivateKey) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], priv.Raw(), &nonce, &s.sealKey), nil
}

func (s *KeyService) Open(blob []byte) (types.PrivateKey, error) {
	if len(blob) < 24+secretbox.Overhead {
		return types.PrivateKey{}, ErrSealedKeyCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	raw, ok := secretbox.Open(nil, blob[24:], &nonce, &s.sealKey)
	if !ok || len(raw) != 32 {
		return types.PrivateKey{}, ErrSealedKeyCorrupt
	}
	return types.PrivateKeyFromRawBytes(raw), nil
}
