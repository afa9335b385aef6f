package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "pinscraper"
	keyringPrefix  = "identity_"
)

// KeyringStore keeps identities in the system keychain
type KeyringStore struct{}

// NewKeyringStore probes the keychain and fails when it is not usable
func NewKeyringStore() (*KeyringStore, error) {
	testKey := "test_availability"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, testKey)

	return &KeyringStore{}, nil
}

func (k *KeyringStore) Name() string { return "keyring" }

// Save serializes the identity into a keychain entry
func (k *KeyringStore) Save(key string, id *Identity) error {
	if key == "" || id == nil {
		return ErrInvalidIdentity
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := keyring.Set(keyringService, keyringPrefix+key, string(data)); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

// Load reads an identity from the keychain
func (k *KeyringStore) Load(key string) (*Identity, error) {
	if key == "" {
		return nil, ErrInvalidIdentity
	}

	data, err := keyring.Get(keyringService, keyringPrefix+key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to retrieve from keyring: %w", err)
	}

	var id Identity
	if err := json.Unmarshal([]byte(data), &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	return &id, nil
}

// Delete removes an identity from the keychain
func (k *KeyringStore) Delete(key string) error {
	if key == "" {
		return ErrInvalidIdentity
	}

	if err := keyring.Delete(keyringService, keyringPrefix+key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrIdentityNotFound
		}
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}
