// Package storage persists private key shares on the local file system.
package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNotFound  = errors.New("key share not found")
	ErrCorrupted = errors.New("key share file corrupted")
)

const (
	magic       uint32 = 0x47524453 // 'GRDS'
	version     uint16 = 1
	flagEncrypt uint16 = 1 << 0
	headerSize         = 4 + 2 + 2 + 4 + 4
	nonceSize          = 12
	shareExt           = ".share"
	wrapInfo           = "guardian key share wrap v1"
)

// FileStore writes one file per (node, epoch) with atomic tmp+fsync+rename. With a master
// secret, shares are sealed with AES-256-GCM under an HKDF-SHA256 derived key and bound to
// their node id and epoch.
//
// On disk: [magic u32][version u16][flags u16][length u32][crc32 u32][payload]
// where payload is the share, or nonce||ciphertext when encrypted.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	aead cipher.AEAD
}

// NewFileStore creates dir if needed. masterSecret may be nil to store shares unencrypted;
// it is not retained.
func NewFileStore(dir string, masterSecret []byte) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key share directory: %w", err)
	}

	fs := &FileStore{dir: dir}
	if len(masterSecret) > 0 {
		aead, err := deriveAEAD(masterSecret)
		if err != nil {
			return nil, err
		}
		fs.aead = aead
	}
	return fs, nil
}

func deriveAEAD(masterSecret []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	defer zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(wrapInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypted reports whether shares are sealed at rest
func (s *FileStore) Encrypted() bool {
	return s.aead != nil
}

func (s *FileStore) path(nodeID string, epoch uint64) string {
	name := hex.EncodeToString([]byte(nodeID)) + "-" + strconv.FormatUint(epoch, 10) + shareExt
	return filepath.Join(s.dir, name)
}

func associatedData(nodeID string, epoch uint64) []byte {
	ad := make([]byte, 8, 8+len(nodeID))
	binary.BigEndian.PutUint64(ad, epoch)
	return append(ad, nodeID...)
}

// StoreKeyShare atomically writes share for nodeID at epoch, replacing any previous file
func (s *FileStore) StoreKeyShare(ctx context.Context, nodeID string, epoch uint64, share []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if nodeID == "" {
		return errors.New("node id cannot be empty")
	}

	flags := uint16(0)
	body := share
	if s.aead != nil {
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		body = s.aead.Seal(nonce, nonce, share, associatedData(nodeID, epoch))
		flags |= flagEncrypt
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:], magic)
	binary.BigEndian.PutUint16(hdr[4:], version)
	binary.BigEndian.PutUint16(hdr[6:], flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(body))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.path(nodeID, epoch), hdr[:], body)
}

func (s *FileStore) writeAtomic(path string, hdr, body []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(hdr); err == nil {
		_, err = f.Write(body)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write key share: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit key share: %w", err)
	}
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// LoadKeyShare reads the share stored for nodeID at epoch
func (s *FileStore) LoadKeyShare(ctx context.Context, nodeID string, epoch uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path(nodeID, epoch))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer zero(data)

	if len(data) < headerSize || binary.BigEndian.Uint32(data[0:]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupted)
	}
	flags := binary.BigEndian.Uint16(data[6:])
	length := binary.BigEndian.Uint32(data[8:])
	body := data[headerSize:]
	if uint32(len(body)) != length || crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[12:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	if flags&flagEncrypt == 0 {
		return append([]byte(nil), body...), nil
	}
	if s.aead == nil {
		return nil, errors.New("key share is encrypted but no master secret was configured")
	}
	if len(body) < nonceSize {
		return nil, fmt.Errorf("%w: short ciphertext", ErrCorrupted)
	}
	share, err := s.aead.Open(nil, body[:nonceSize], body[nonceSize:], associatedData(nodeID, epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key share: %w", err)
	}
	return share, nil
}

// Cleanup overwrites and removes every stored share
func (s *FileStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list key shares: %w", err)
	}

	var errs error
	for _, e := range entries {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, shareExt) || strings.HasSuffix(name, shareExt+".tmp")) {
			continue
		}
		errs = multierr.Append(errs, shred(filepath.Join(s.dir, name)))
	}
	return errs
}

func shred(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
		_, _ = f.Write(make([]byte, info.Size()))
		_ = f.Sync()
		_ = f.Close()
	}
	return os.Remove(path)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
