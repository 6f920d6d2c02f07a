package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/crypto"
)

// KeyRing serves users' stored provider keys to the registry. Without a
// cipher keys are stored as given.
type KeyRing struct {
	repo   *Repo
	cipher *crypto.Manager
}

func NewKeyRing(repo *Repo, cipher *crypto.Manager) *KeyRing {
	return &KeyRing{repo: repo, cipher: cipher}
}

func (k *KeyRing) DefaultAPIKey(ctx context.Context, userID uint64, provider string) (string, error) {
	cred, err := k.repo.DefaultCredential(ctx, userID, provider)
	if errors.Is(err, ErrCredentialNotFound) {
		return "", ai.ErrNoStoredCredential
	}
	if err != nil {
		return "", err
	}
	return k.open(cred.EncryptedKey)
}

func (k *KeyRing) seal(plain string) (string, error) {
	if k.cipher == nil {
		return plain, nil
	}
	return k.cipher.MarshalEncryptedString(plain)
}

func (k *KeyRing) open(stored string) (string, error) {
	if k.cipher == nil {
		return stored, nil
	}
	plain, err := k.cipher.UnmarshalEncryptedString(stored)
	if err != nil {
		return "", fmt.Errorf("decrypt stored key: %w", err)
	}
	return plain, nil
}
