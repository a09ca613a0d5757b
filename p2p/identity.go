package p2p

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/natefinch/atomic"
)

// KeyFilename is the name of the file holding the node's private key.
const KeyFilename = "p2p.key"

// EnsureIdentity loads the private key from dir, generating and storing a
// new ed25519 key if there is none.
func EnsureIdentity(dir string) (crypto.PrivKey, error) {
	path := filepath.Join(dir, KeyFilename)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("decode identity %s: %w", path, err)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	key, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	data, err = crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("write identity %s: %w", path, err)
	}
	return key, nil
}
