package sign

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/capsulebuild/capsule/lib/keys"
	"github.com/capsulebuild/capsule/lib/pack"
)

// SignatureObjectID is the report entry covering the embedded signature
// itself.
const SignatureObjectID = "signature"

// ObjectResult is one entry of a verification report.
type ObjectResult struct {
	ID       string
	Digest   digest.Digest
	Verified bool
	Reason   string
}

// Report is the complete outcome of verifying one archive.
type Report struct {
	SignerFingerprint string
	Objects           []ObjectResult
}

// OK reports whether every object verified.
func (r *Report) OK() bool {
	return lo.EveryBy(r.Objects, func(o ObjectResult) bool { return o.Verified })
}

// Verify checks the archive's signature against the keyring and recomputes
// every object digest against the manifest. It is read-only and idempotent.
// All objects are always evaluated; when any fails, the report is returned
// together with a VerificationError naming the failed objects.
func Verify(ctx context.Context, archivePath string, keyring openpgp.EntityList, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	archive, err := pack.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	report := &Report{}
	report.Objects = append(report.Objects, verifySignature(archive, keyring, report))

	// One result slot per manifest object; digests recompute concurrently.
	objects := archive.Manifest.Objects
	results := make([]ObjectResult, len(objects))
	group, ctx := errgroup.WithContext(ctx)
	for i, desc := range objects {
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = verifyObject(archive, desc)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	report.Objects = append(report.Objects, results...)

	for _, object := range report.Objects {
		logger.Info("verified object", "object", object.ID, "verified", object.Verified, "reason", object.Reason)
	}

	if !report.OK() {
		failed := lo.FilterMap(report.Objects, func(o ObjectResult, _ int) (string, bool) {
			return o.ID, !o.Verified
		})
		return report, &VerificationError{ObjectIDs: failed}
	}
	return report, nil
}

func verifySignature(archive *pack.Archive, keyring openpgp.EntityList, report *Report) ObjectResult {
	result := ObjectResult{ID: SignatureObjectID}

	signatures := archive.Signatures()
	if len(signatures) == 0 {
		result.Reason = "no signature embedded"
		return result
	}

	for _, armored := range signatures {
		signer, err := openpgp.CheckArmoredDetachedSignature(
			keyring,
			bytes.NewReader(archive.ManifestBytes()),
			bytes.NewReader(armored),
			nil,
		)
		if err != nil {
			result.Reason = fmt.Sprintf("signature check: %v", err)
			continue
		}
		result.Verified = true
		result.Reason = ""
		report.SignerFingerprint = keys.Fingerprint(signer)
		return result
	}
	return result
}

func verifyObject(archive *pack.Archive, desc pack.ObjectDescriptor) ObjectResult {
	result := ObjectResult{ID: desc.ID, Digest: desc.Digest}

	rc, _, err := archive.OpenObject(desc.ID)
	if err != nil {
		result.Reason = fmt.Sprintf("open object: %v", err)
		return result
	}
	defer rc.Close()

	verifier := desc.Digest.Verifier()
	if _, err := io.Copy(verifier, rc); err != nil {
		result.Reason = fmt.Sprintf("read object: %v", err)
		return result
	}
	if !verifier.Verified() {
		result.Reason = "digest mismatch"
		return result
	}

	result.Verified = true
	return result
}
