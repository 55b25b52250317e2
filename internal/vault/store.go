package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/argon2"

	apperrors "picopass/internal/errors"
)

const (
	formatVersion = 1
	keyLength     = 32
	saltLength    = 16
	verifierText  = "picopass-vault-verifier"
	gcmNonceSize  = 12
)

// PasswordEntry is the metadata of one stored credential. The secret itself
// is only reachable through an unlocked Session.
type PasswordEntry struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store is the cryptographic backing of the vault.
type Store interface {
	// Open derives the session key from password. ErrWrongPassword if the
	// password does not match, ErrVaultCorrupt if the data cannot be trusted.
	Open(ctx context.Context, password []byte) (*SessionKey, error)
	List(key *SessionKey) ([]PasswordEntry, error)
	Reveal(key *SessionKey, id string) ([]byte, error)
	Add(key *SessionKey, service, username string, secret []byte) (PasswordEntry, error)
	// Backup returns the stored vault bytes. Secrets stay encrypted.
	Backup() ([]byte, error)
}

// KDFParams are the Argon2id cost parameters stored with the vault.
type KDFParams struct {
	MemoryKiB   uint32 `json:"memory_kib"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	Salt        []byte `json:"salt"`
}

// DefaultKDFParams returns the parameters used for new vaults.
func DefaultKDFParams() KDFParams {
	return KDFParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 4}
}

type sealed struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type fileEntry struct {
	PasswordEntry
	Secret sealed `json:"secret"`
}

type vaultFile struct {
	Version  int         `json:"version"`
	KDF      KDFParams   `json:"kdf"`
	Verifier sealed      `json:"verifier"`
	Entries  []fileEntry `json:"entries"`
}

// FileStore keeps the vault in a single JSON file. Entry secrets are sealed
// with AES-256-GCM under a key derived with Argon2id; the entry id is bound
// as additional data.
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileStore returns a store for the vault at path. The file must exist;
// see CreateFileStore.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// CreateFileStore writes a new empty vault protected by password. It refuses
// to overwrite an existing file. password is zeroed before returning.
func CreateFileStore(path string, password []byte, params KDFParams) (*FileStore, error) {
	defer Wipe(password)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault already exists at %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat vault: %w", err)
	}

	params.Salt = make([]byte, saltLength)
	if _, err := rand.Read(params.Salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(password, params)
	defer Wipe(key)

	verifier, err := seal(key, []byte(verifierText), []byte(verifierText))
	if err != nil {
		return nil, err
	}

	s := NewFileStore(path)
	if err := s.write(&vaultFile{Version: formatVersion, KDF: params, Verifier: verifier, Entries: []fileEntry{}}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the vault file location.
func (s *FileStore) Path() string {
	return s.path
}

// Open implements Store.
func (s *FileStore) Open(ctx context.Context, password []byte) (*SessionKey, error) {
	s.mu.Lock()
	vf, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := deriveKey(password, vf.KDF)
	plain, err := open(key, vf.Verifier, []byte(verifierText))
	if err != nil {
		Wipe(key)
		return nil, apperrors.ErrWrongPassword
	}
	if string(plain) != verifierText {
		Wipe(key)
		return nil, fmt.Errorf("verifier mismatch: %w", apperrors.ErrVaultCorrupt)
	}

	return newSessionKey(key), nil
}

// List implements Store.
func (s *FileStore) List(key *SessionKey) ([]PasswordEntry, error) {
	if key.Bytes() == nil {
		return nil, apperrors.ErrInvalidStateForOperation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vf, err := s.read()
	if err != nil {
		return nil, err
	}

	out := make([]PasswordEntry, 0, len(vf.Entries))
	for _, e := range vf.Entries {
		out = append(out, e.PasswordEntry)
	}
	return out, nil
}

// Reveal implements Store.
func (s *FileStore) Reveal(key *SessionKey, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vf, err := s.read()
	if err != nil {
		return nil, err
	}

	for _, e := range vf.Entries {
		if e.ID != id {
			continue
		}
		k := key.Bytes()
		if k == nil {
			return nil, apperrors.ErrInvalidStateForOperation
		}
		plain, err := open(k, e.Secret, []byte(e.ID))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", id, apperrors.ErrVaultCorrupt)
		}
		return plain, nil
	}
	return nil, fmt.Errorf("entry %s: %w", id, apperrors.ErrEntryNotFound)
}

// Add implements Store.
func (s *FileStore) Add(key *SessionKey, service, username string, secret []byte) (PasswordEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vf, err := s.read()
	if err != nil {
		return PasswordEntry{}, err
	}

	now := s.now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return PasswordEntry{}, fmt.Errorf("failed to generate entry id: %w", err)
	}

	k := key.Bytes()
	if k == nil {
		return PasswordEntry{}, apperrors.ErrInvalidStateForOperation
	}
	box, err := seal(k, secret, []byte(id.String()))
	if err != nil {
		return PasswordEntry{}, err
	}

	entry := PasswordEntry{
		ID:         id.String(),
		Service:    service,
		Username:   username,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	vf.Entries = append(vf.Entries, fileEntry{PasswordEntry: entry, Secret: box})

	if err := s.write(vf); err != nil {
		return PasswordEntry{}, err
	}
	return entry, nil
}

// Backup implements Store. A file that fails the integrity checks is not
// handed out.
func (s *FileStore) Backup() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	if _, err := decodeVault(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) read() (*vaultFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	return decodeVault(data)
}

func decodeVault(data []byte) (*vaultFile, error) {
	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("decode vault: %v: %w", err, apperrors.ErrVaultCorrupt)
	}
	if err := vf.check(); err != nil {
		return nil, err
	}
	return &vf, nil
}

func (vf *vaultFile) check() error {
	if vf.Version != formatVersion {
		return fmt.Errorf("unsupported vault version %d: %w", vf.Version, apperrors.ErrVaultCorrupt)
	}
	if len(vf.KDF.Salt) < saltLength || vf.KDF.Iterations == 0 || vf.KDF.Parallelism == 0 || vf.KDF.MemoryKiB < 8*uint32(vf.KDF.Parallelism) {
		return fmt.Errorf("invalid kdf parameters: %w", apperrors.ErrVaultCorrupt)
	}
	if len(vf.Verifier.Nonce) != gcmNonceSize || len(vf.Verifier.Ciphertext) == 0 {
		return fmt.Errorf("missing verifier: %w", apperrors.ErrVaultCorrupt)
	}

	seen := make(map[string]struct{}, len(vf.Entries))
	for _, e := range vf.Entries {
		if _, err := ulid.ParseStrict(e.ID); err != nil {
			return fmt.Errorf("entry id %q: %w", e.ID, apperrors.ErrVaultCorrupt)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate entry %s: %w", e.ID, apperrors.ErrVaultCorrupt)
		}
		seen[e.ID] = struct{}{}
		if e.ModifiedAt.Before(e.CreatedAt) {
			return fmt.Errorf("entry %s modified before created: %w", e.ID, apperrors.ErrVaultCorrupt)
		}
	}
	return nil
}

func (s *FileStore) write(vf *vaultFile) error {
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp vault: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close vault: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to restrict vault permissions: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func deriveKey(password []byte, p KDFParams) []byte {
	return argon2.IDKey(password, p.Salt, p.Iterations, p.MemoryKiB, p.Parallelism, keyLength)
}

func seal(key, plaintext, aad []byte) (sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sealed{Nonce: nonce, Ciphertext: gcm.Seal(nil, nonce, plaintext, aad)}, nil
}

func open(key []byte, box sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(box.Nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce length")
	}
	return gcm.Open(nil, box.Nonce, box.Ciphertext, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}
