package identity

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/memory"
	"github.com/amphibian-ai/amphibian/types"
)

const identityFile = "identity/identity.json"

// Load reads identity/identity.json under root. A missing or corrupt file
// yields (nil, nil) so callers can generate a fresh identity.
func Load(root string, logger *zap.Logger) (*Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(filepath.Join(root, identityFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "read identity").WithCause(err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		logger.Warn("identity file corrupt, ignoring", zap.Error(err))
		return nil, nil
	}
	return &id, nil
}

// Save writes the identity (private key included) crash-safely under root.
func Save(root string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return types.NewError(types.ErrIntegrity, "serialize identity").WithCause(err)
	}
	return memory.WriteFileAtomic(root, identityFile, data)
}

// LoadOrGenerate returns the persisted identity, creating and saving a
// fresh one when none exists.
func LoadOrGenerate(root string, logger *zap.Logger) (*Identity, error) {
	id, err := Load(root, logger)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(root, id); err != nil {
		return nil, err
	}
	return id, nil
}
