package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storeFileName = "secrets.enc"

// EncryptedProvider keeps secrets in a single AES-256-GCM encrypted
// file on local disk. All reads are served from an in-memory copy;
// writes re-encrypt the whole store.
type EncryptedProvider struct {
	gcm     cipher.AEAD
	dataDir string

	mu    sync.RWMutex
	store map[string]string
}

// NewEncryptedProvider opens (or creates) the encrypted store under
// dataDir. The key is base64 and must decode to exactly 32 bytes.
func NewEncryptedProvider(encryptionKey, dataDir string) (*EncryptedProvider, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", ErrInvalidKey)
	}

	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes for AES-256, got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	p := &EncryptedProvider{
		gcm:     gcm,
		dataDir: dataDir,
		store:   make(map[string]string),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EncryptedProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.store[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (p *EncryptedProvider) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.store[key] = value
	return p.persist()
}

func (p *EncryptedProvider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.store[key]; !ok {
		return ErrNotFound
	}
	delete(p.store, key)
	return p.persist()
}

func (p *EncryptedProvider) Name() string {
	return "encrypted"
}

func (p *EncryptedProvider) storeFile() string {
	return filepath.Join(p.dataDir, storeFileName)
}

func (p *EncryptedProvider) load() error {
	data, err := os.ReadFile(p.storeFile())
	if os.IsNotExist(err) {
		// First run, no store yet.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets store: %w", err)
	}

	plaintext, err := p.open(data)
	if err != nil {
		return fmt.Errorf("decrypt secrets store: %w", err)
	}
	if err := json.Unmarshal(plaintext, &p.store); err != nil {
		return fmt.Errorf("parse secrets store: %w", err)
	}
	return nil
}

// persist writes the store through a temp file and rename so a crash
// mid-write cannot corrupt the only copy. Caller holds the write lock.
func (p *EncryptedProvider) persist() error {
	plaintext, err := json.Marshal(p.store)
	if err != nil {
		return fmt.Errorf("serialize secrets store: %w", err)
	}

	ciphertext, err := p.seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secrets store: %w", err)
	}

	tmp := p.storeFile() + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0600); err != nil {
		return fmt.Errorf("write secrets store: %w", err)
	}
	if err := os.Rename(tmp, p.storeFile()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace secrets store: %w", err)
	}
	return nil
}

// seal encrypts plaintext with a fresh nonce prepended to the output.
func (p *EncryptedProvider) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return p.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *EncryptedProvider) open(ciphertext []byte) ([]byte, error) {
	n := p.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	return p.gcm.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

// GenerateKey mints a new base64-encoded 256-bit key, suitable for the
// FLOWCATALYST_SECRETS_ENCRYPTION_KEY variable.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
