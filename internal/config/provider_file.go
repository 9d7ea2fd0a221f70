package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// maxSecretFileSize guards against pointing a secret variable at something
// that is not a secret.
const maxSecretFileSize = 64 * 1024

// FileSecretProvider implements SecretProvider by reading mounted secret
// files, e.g. Docker or Kubernetes secrets under /run/secrets.
type FileSecretProvider struct {
	readFile func(name string) ([]byte, error)
}

// NewFileSecretProvider creates a FileSecretProvider backed by the OS filesystem.
func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{readFile: os.ReadFile}
}

// GetParametersBatch reads each path. Missing files are omitted so the
// loader can report them together; other read errors abort.
func (p *FileSecretProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, path := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read secret %s: %w", path, err)
		}
		if len(data) > maxSecretFileSize {
			return nil, fmt.Errorf("secret %s exceeds %d bytes", path, maxSecretFileSize)
		}
		result[path] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
