package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/unix"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/model"
)

// BondRecord is the persisted long-term bond for one device. KeyMaterial is
// opaque to this layer; it is whatever the caller hands over (typically an
// exported link-key blob) and is encrypted at rest.
type BondRecord struct {
	MAC        string     `json:"mac"`
	KeyMaterial []byte    `json:"key_material"`
	Capability Capability `json:"capability"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const bondKeyFile = ".bondkey"

// BondStore persists one encrypted .dat file per MAC under dir. Access is
// serialised and files are written atomically (write temp, fsync, rename).
type BondStore struct {
	mu  sync.Mutex
	dir string
	key []byte
}

// OpenBondStore opens (creating if needed) the bond directory and its
// encryption key. The key file is created once with 0600 permissions; losing
// it orphans every existing bond file.
func OpenBondStore(dir string) (*BondStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond dir", err)
	}
	keyPath := filepath.Join(dir, bondKeyFile)
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond key generate", err)
		}
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond key write", err)
		}
	} else if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond key read", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, bleeperr.New(bleeperr.KindSchemaMismatch, "bond key length")
	}
	return &BondStore{dir: dir, key: key}, nil
}

func bondFileName(mac string) string {
	return strings.ReplaceAll(model.NormalizeMAC(mac), ":", "") + ".dat"
}

// Save encrypts and atomically persists the record, keyed by MAC.
func (b *BondStore) Save(rec BondRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec.MAC = model.NormalizeMAC(rec.MAC)
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		if old, ok, _ := b.loadLocked(rec.MAC); ok {
			rec.CreatedAt = old.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}
	rec.UpdatedAt = now

	plain, err := json.Marshal(rec)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond encode", err)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond cipher", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond nonce", err)
	}
	blob := append(nonce, aead.Seal(nil, nonce, plain, nil)...)

	return b.writeAtomic(filepath.Join(b.dir, bondFileName(rec.MAC)), blob)
}

// writeAtomic writes blob to a temp file in the same directory, fsyncs it,
// then renames over the destination so a crash never leaves a torn bond.
func (b *BondStore) writeAtomic(dest string, blob []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".bond-*")
	if err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond temp", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond write", err)
	}
	if err := unix.Fsync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond close", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond chmod", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond rename", err)
	}
	return nil
}

// Load decrypts the bond record for mac; ok=false when none exists.
func (b *BondStore) Load(mac string) (BondRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(model.NormalizeMAC(mac))
}

func (b *BondStore) loadLocked(mac string) (BondRecord, bool, error) {
	blob, err := os.ReadFile(filepath.Join(b.dir, bondFileName(mac)))
	if os.IsNotExist(err) {
		return BondRecord{}, false, nil
	}
	if err != nil {
		return BondRecord{}, false, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond read", err)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return BondRecord{}, false, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond cipher", err)
	}
	if len(blob) < aead.NonceSize() {
		return BondRecord{}, false, bleeperr.New(bleeperr.KindSchemaMismatch, "bond file truncated: "+mac)
	}
	nonce, sealed := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return BondRecord{}, false, bleeperr.Wrap(bleeperr.KindAuthenticationFailed, "bond decrypt "+mac, err)
	}

	var rec BondRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return BondRecord{}, false, bleeperr.Wrap(bleeperr.KindSchemaMismatch, "bond decode "+mac, err)
	}
	return rec, true, nil
}

// Delete removes the bond file for mac; deleting a missing bond is not an
// error.
func (b *BondStore) Delete(mac string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(filepath.Join(b.dir, bondFileName(mac)))
	if err != nil && !os.IsNotExist(err) {
		return bleeperr.Wrap(bleeperr.KindWriteConflict, "bond delete", err)
	}
	return nil
}

// List returns the MAC of every bonded device.
func (b *BondStore) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindWriteConflict, "bond list", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".dat") {
			continue
		}
		raw := strings.TrimSuffix(name, ".dat")
		if len(raw) != 12 {
			continue
		}
		if _, err := hex.DecodeString(raw); err != nil {
			continue
		}
		var parts []string
		for i := 0; i < 12; i += 2 {
			parts = append(parts, raw[i:i+2])
		}
		out = append(out, strings.Join(parts, ":"))
	}
	return out, nil
}
