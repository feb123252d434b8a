package carpack

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Packer serializes a directory tree into a single content-addressed
// archive and computes its CID. Equal trees yield equal archives and
// therefore equal CIDs: entries are walked in lexical order and metadata
// that varies between machines (timestamps, ownership) is zeroed.
type Packer struct{}

// NewPacker creates a packer.
func NewPacker() *Packer {
	return &Packer{}
}

// Pack archives the tree rooted at sourceDir into destDir and returns the
// archive's CID and path. The archive is named <cid>.car. The source tree is
// only read, never mutated.
func (p *Packer) Pack(sourceDir, destDir string) (string, string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	tmpPath := filepath.Join(destDir, uuid.New().String()+".car.tmp")
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to create archive: %w", err)
	}

	hasher := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(out, hasher))

	if err := writeTree(tw, sourceDir); err != nil {
		tw.Close()
		out.Close()
		os.Remove(tmpPath)
		return "", "", err
	}
	if err := tw.Close(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to close archive: %w", err)
	}

	rootCID, err := encodeCID(hasher.Sum(nil))
	if err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}

	archivePath := filepath.Join(destDir, rootCID+".car")
	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to rename archive: %w", err)
	}

	return rootCID, archivePath, nil
}

// Unpack extracts an archive produced by Pack into destDir, the inverse of
// Pack. Entry paths are confined to destDir.
func (p *Packer) Unpack(archivePath, destDir string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create dir for %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("unsupported archive entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

// ComputeCID returns the CID of arbitrary content, CIDv1 over a sha2-256
// multihash with the raw codec.
func ComputeCID(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return encodeCID(hasher.Sum(nil))
}

func encodeCID(digest []byte) (string, error) {
	mhash, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mhash).String(), nil
}

// writeTree writes every entry under sourceDir, rooted at the directory's
// base name. WalkDir visits entries in lexical order, which pins the
// archive's byte layout.
func writeTree(tw *tar.Writer, sourceDir string) error {
	root := filepath.Base(sourceDir)
	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		name := root
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(root, rel))
		}

		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
			})
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("unsupported file type for %s", path)
		}

		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     info.Size(),
		}); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
		return nil
	})
}

// securePath joins name under dir, rejecting absolute paths and traversal.
func securePath(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal archive entry path %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}
