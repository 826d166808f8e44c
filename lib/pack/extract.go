package pack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	pgzip "github.com/klauspost/pgzip"
)

var (
	// ErrExtractTooLarge is returned when the extracted content would
	// exceed the caller's size budget.
	ErrExtractTooLarge = errors.New("extracted content exceeds size limit")
	// ErrInvalidEntryPath is returned for entries that cannot be placed
	// inside the destination tree.
	ErrInvalidEntryPath = errors.New("invalid archive entry path")
)

// NoLimit disables the extraction size budget.
const NoLimit = int64(math.MaxInt64)

// ExtractRootfs unpacks the archive's rootfs object into destDir, e.g. for
// running a packaged image. The extracted tree is never a writable sandbox:
// no completeness marker is recreated by this path.
func ExtractRootfs(a *Archive, destDir string, maxBytes int64) (int64, error) {
	rc, _, err := a.OpenObject(ObjectRootfs)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return ExtractTarGz(rc, destDir, maxBytes)
}

// ExtractTarGz extracts a tar.gz stream into destDir and returns the number
// of file bytes written. Entry paths are resolved with SecureJoin, so a
// hostile archive cannot write outside destDir, not even through symlinks
// it planted earlier in the stream. When maxBytes is not NoLimit, each
// file's declared size is charged against the budget before any of it is
// written, and ErrExtractTooLarge aborts the extraction.
func ExtractTarGz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	gz, err := pgzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	ex := &extractor{root: destDir, budget: maxBytes, limited: maxBytes != NoLimit}
	tr := tar.NewReader(gz)

	var total int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read archive entry: %w", err)
		}

		n, err := ex.place(header, tr)
		total += n
		if err != nil {
			return total, err
		}
	}
}

type extractor struct {
	root    string
	budget  int64
	limited bool
}

// place writes one tar entry under the extraction root and returns the file
// bytes it consumed from the budget.
func (e *extractor) place(header *tar.Header, r io.Reader) (int64, error) {
	if filepath.IsAbs(header.Name) {
		return 0, fmt.Errorf("%w: absolute path %s", ErrInvalidEntryPath, header.Name)
	}
	target, err := securejoin.SecureJoin(e.root, header.Name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidEntryPath, header.Name, err)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
			return 0, fmt.Errorf("create dir %s: %w", header.Name, err)
		}
		return 0, nil

	case tar.TypeReg:
		return e.writeFile(target, header, r)

	case tar.TypeSymlink:
		// The link is recorded verbatim; later entries that resolve
		// through it are still clamped to the root by SecureJoin, and a
		// dangling or absolute target only matters inside the chroot.
		if err := e.prepareParent(target); err != nil {
			return 0, err
		}
		if err := os.Symlink(header.Linkname, target); err != nil {
			return 0, fmt.Errorf("create symlink %s: %w", header.Name, err)
		}
		return 0, nil

	case tar.TypeLink:
		source, err := securejoin.SecureJoin(e.root, header.Linkname)
		if err != nil {
			return 0, fmt.Errorf("%w: hardlink source %s: %v", ErrInvalidEntryPath, header.Linkname, err)
		}
		if err := e.prepareParent(target); err != nil {
			return 0, err
		}
		if err := os.Link(source, target); err != nil {
			return 0, fmt.Errorf("create hardlink %s: %w", header.Name, err)
		}
		return 0, nil

	default:
		// Device nodes, fifos and the like have no place in an image
		// archive; drop them.
		return 0, nil
	}
}

func (e *extractor) writeFile(target string, header *tar.Header, r io.Reader) (int64, error) {
	if e.limited && header.Size > e.budget {
		return 0, fmt.Errorf("%w: %s declares %d bytes", ErrExtractTooLarge, header.Name, header.Size)
	}
	if err := e.prepareParent(target); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode))
	if err != nil {
		return 0, fmt.Errorf("create file %s: %w", header.Name, err)
	}

	// The tar reader bounds each entry at header.Size, so the budget
	// check above is the only accounting needed.
	n, err := io.Copy(f, r)
	if e.limited {
		e.budget -= n
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write file %s: %w", header.Name, err)
	}
	return n, nil
}

func (e *extractor) prepareParent(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return nil
}
