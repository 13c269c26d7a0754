package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// obfuscationPrefix marks an encoded token file. The encoding is a reversible
// XOR + base64 obfuscation, not confidentiality-grade encryption; it only
// keeps credentials out of casual greps, and that weakness is deliberate.
const obfuscationPrefix = "obf1:"

var obfuscationKey = []byte("bridgeclient-local-state")

type fileTokenBackend struct {
	path   string
	encode bool
	mu     sync.Mutex
}

func NewFileTokenBackend(path string, encode bool) (TokenBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileTokenBackend{path: path, encode: encode}, nil
}

func (b *fileTokenBackend) Load() (map[string]TokenRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	decoded, err := decodeTokenBlob(data)
	if err != nil {
		return nil, err
	}
	var records map[string]TokenRecord
	if err := json.Unmarshal(decoded, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *fileTokenBackend) Save(records map[string]TokenRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if b.encode {
		data = encodeTokenBlob(data)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileTokenBackend) Close() error {
	return nil
}

func encodeTokenBlob(plain []byte) []byte {
	mixed := make([]byte, len(plain))
	for i, c := range plain {
		mixed[i] = c ^ obfuscationKey[i%len(obfuscationKey)]
	}
	return []byte(obfuscationPrefix + base64.StdEncoding.EncodeToString(mixed))
}

// decodeTokenBlob accepts both encoded and plain JSON blobs so flipping the
// encode toggle never strands previously written state.
func decodeTokenBlob(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(text, obfuscationPrefix) {
		return []byte(text), nil
	}
	mixed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, obfuscationPrefix))
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(mixed))
	for i, c := range mixed {
		plain[i] = c ^ obfuscationKey[i%len(obfuscationKey)]
	}
	return plain, nil
}
