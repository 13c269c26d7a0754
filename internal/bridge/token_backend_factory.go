package bridge

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// InMemoryTokenBackend keeps the snapshot in process memory; used by tests
// and the default daemon profile.
type InMemoryTokenBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryTokenBackend() *InMemoryTokenBackend {
	return &InMemoryTokenBackend{}
}

func (b *InMemoryTokenBackend) Load() (map[string]TokenRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var records map[string]TokenRecord
	if err := json.Unmarshal(b.snapshot, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (b *InMemoryTokenBackend) Save(records map[string]TokenRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

func (b *InMemoryTokenBackend) Close() error {
	return nil
}

// BuildTokenBackendFromDSN selects a persistence backend by DSN scheme:
// file://, memory://, redis://, or postgres://. A bare path is treated as a
// file DSN. The encode flag only affects the file backend.
func BuildTokenBackendFromDSN(dsn string, encode bool) (TokenBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryTokenBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTokenBackend(path, encode)
	case "memory", "mem", "inmem":
		return NewInMemoryTokenBackend(), nil
	case "redis", "rediss":
		return NewRedisTokenBackend(dsn)
	case "postgres", "postgresql":
		return NewPostgresTokenBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported token backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path in DSN %q", ErrInvalidInput, dsn)
	}
	return path, nil
}
