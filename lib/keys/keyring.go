// Package keys manages the signer key store: an armored public keyring and
// a passphrase-protected private keyring, persisted outside the build
// pipeline and referenced by fingerprint.
package keys

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/samber/lo"
)

// KeyInfo is a listing entry for one key pair.
type KeyInfo struct {
	Fingerprint string
	Name        string
	Email       string
	CreatedAt   time.Time
	HasPrivate  bool
}

// Store holds the on-disk keyrings.
type Store struct {
	publicPath  string
	privatePath string
	logger      *slog.Logger
}

// NewStore creates a key store over the given keyring paths.
func NewStore(publicPath, privatePath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		publicPath:  publicPath,
		privatePath: privatePath,
		logger:      logger,
	}
}

// NewPair generates an ed25519 key pair, protects the private half with the
// passphrase, and appends both halves to the stores.
func (s *Store) NewPair(name, email, passphrase string) (*KeyInfo, error) {
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	}
	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	if passphrase != "" {
		if err := entity.PrivateKey.Encrypt([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("encrypt private key: %w", err)
		}
		for i := range entity.Subkeys {
			if err := entity.Subkeys[i].PrivateKey.Encrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("encrypt subkey: %w", err)
			}
		}
	}

	private, err := s.readKeyring(s.privatePath)
	if err != nil {
		return nil, err
	}
	private = append(private, entity)
	if err := s.writeKeyring(s.privatePath, private, true); err != nil {
		return nil, err
	}

	public, err := s.readKeyring(s.publicPath)
	if err != nil {
		return nil, err
	}
	public = append(public, entity)
	if err := s.writeKeyring(s.publicPath, public, false); err != nil {
		return nil, err
	}

	info := entityInfo(entity, true)
	s.logger.Info("generated key pair", "fingerprint", info.Fingerprint, "name", name)
	return &info, nil
}

// List returns every key in the public store, flagging the ones whose
// private half is held locally.
func (s *Store) List() ([]KeyInfo, error) {
	public, err := s.readKeyring(s.publicPath)
	if err != nil {
		return nil, err
	}
	private, err := s.readKeyring(s.privatePath)
	if err != nil {
		return nil, err
	}

	held := make(map[string]bool, len(private))
	for _, entity := range private {
		held[Fingerprint(entity)] = true
	}

	return lo.Map(public, func(entity *openpgp.Entity, _ int) KeyInfo {
		return entityInfo(entity, held[Fingerprint(entity)])
	}), nil
}

// FindPrivate returns the entity whose fingerprint matches the given hex
// prefix and whose private half is held locally.
func (s *Store) FindPrivate(fingerprint string) (*openpgp.Entity, error) {
	private, err := s.readKeyring(s.privatePath)
	if err != nil {
		return nil, err
	}
	return findByFingerprint(private, fingerprint)
}

// DefaultPrivate returns the only held private key, for when the caller
// did not name one. Ambiguous stores require an explicit fingerprint.
func (s *Store) DefaultPrivate() (*openpgp.Entity, error) {
	private, err := s.readKeyring(s.privatePath)
	if err != nil {
		return nil, err
	}
	switch len(private) {
	case 0:
		return nil, ErrKeyNotFound
	case 1:
		return private[0], nil
	default:
		return nil, ErrAmbiguousKey
	}
}

// PublicKeyring returns all public keys, for signature verification.
func (s *Store) PublicKeyring() (openpgp.EntityList, error) {
	return s.readKeyring(s.publicPath)
}

// ArmoredPublicKey serializes one public key as an armored block.
func (s *Store) ArmoredPublicKey(fingerprint string) (string, error) {
	public, err := s.readKeyring(s.publicPath)
	if err != nil {
		return "", err
	}
	entity, err := findByFingerprint(public, fingerprint)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	encoder, err := armor.Encode(&sb, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", fmt.Errorf("armor encode: %w", err)
	}
	if err := entity.Serialize(encoder); err != nil {
		return "", fmt.Errorf("serialize public key: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("close armor: %w", err)
	}
	return sb.String(), nil
}

// Fingerprint renders an entity's primary key fingerprint as lowercase hex.
func Fingerprint(entity *openpgp.Entity) string {
	return hex.EncodeToString(entity.PrimaryKey.Fingerprint)
}

func entityInfo(entity *openpgp.Entity, hasPrivate bool) KeyInfo {
	info := KeyInfo{
		Fingerprint: Fingerprint(entity),
		CreatedAt:   entity.PrimaryKey.CreationTime,
		HasPrivate:  hasPrivate,
	}
	for _, identity := range entity.Identities {
		info.Name = identity.UserId.Name
		info.Email = identity.UserId.Email
		break
	}
	return info
}

func findByFingerprint(list openpgp.EntityList, fingerprint string) (*openpgp.Entity, error) {
	needle := strings.ToLower(fingerprint)
	for _, entity := range list {
		if strings.HasPrefix(Fingerprint(entity), needle) {
			return entity, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, fingerprint)
}

func (s *Store) readKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return openpgp.EntityList{}, nil
		}
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	list, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", path, err)
	}
	return list, nil
}

// writeKeyring rewrites a keyring atomically. Private stores are written
// owner-only.
func (s *Store) writeKeyring(path string, list openpgp.EntityList, private bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}

	mode := os.FileMode(0644)
	blockType := openpgp.PublicKeyType
	if private {
		mode = 0600
		blockType = openpgp.PrivateKeyType
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create temp keyring: %w", err)
	}

	encoder, err := armor.Encode(f, blockType, nil)
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("armor encode: %w", err)
	}
	for _, entity := range list {
		if private {
			err = entity.SerializePrivateWithoutSigning(encoder, nil)
		} else {
			err = entity.Serialize(encoder)
		}
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("serialize key: %w", err)
		}
	}
	if err := encoder.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("close armor: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp keyring: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename keyring: %w", err)
	}
	return nil
}
