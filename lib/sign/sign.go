// Package sign binds key pairs to capsule archives: a detached signature
// over the digest manifest is embedded into the archive, and verification
// recomputes every object digest against that manifest.
package sign

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/pack"
)

// Sign creates a detached signature over the archive's manifest with the
// entity's private key and embeds it. Any previous signature is replaced;
// a published archive carries exactly one. The passphrase only ever lives
// in memory here.
func Sign(archivePath string, entity *openpgp.Entity, passphrase string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	archive, err := pack.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}

	if entity.PrivateKey == nil {
		return "", &SigningError{Reason: "key has no private half"}
	}
	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return "", &SigningError{Reason: "decrypt private key", Err: err}
		}
		for i := range entity.Subkeys {
			if entity.Subkeys[i].PrivateKey != nil && entity.Subkeys[i].PrivateKey.Encrypted {
				if err := entity.Subkeys[i].PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return "", &SigningError{Reason: "decrypt subkey", Err: err}
				}
			}
		}
	}

	var armored bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&armored, entity, bytes.NewReader(archive.ManifestBytes()), nil); err != nil {
		return "", &SigningError{Reason: "detach sign manifest", Err: err}
	}

	fingerprint := keys.Fingerprint(entity)
	if err := pack.ReplaceSignature(archivePath, fingerprint, armored.Bytes()); err != nil {
		return "", &SigningError{Reason: "embed signature", Err: err}
	}

	logger.Info("signed image", "path", archivePath, "fingerprint", fingerprint)
	return fingerprint, nil
}
