package volume

import (
	"fmt"
	"io"
	"os"

	"dup-go/internal/compression"
)

const shadowEntry = "database.sqlite"

// WriteShadowVolume packs a copy of the local database into a Shadow volume.
func WriteShadowVolume(dir string, name Name, module *compression.Module, manifest Manifest, dbPath string) (*File, error) {
	src, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database copy: %w", err)
	}
	defer src.Close()

	w, err := newArchiveWriter(dir, name, module, manifest)
	if err != nil {
		return nil, err
	}
	entry, err := w.zw.Create(shadowEntry, compression.Compressible)
	if err != nil {
		w.abort()
		return nil, err
	}
	if _, err := io.Copy(entry, src); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing database copy: %w", err)
	}
	return w.finish()
}

// ExtractShadowVolume writes the database held in a Shadow volume to destPath.
func ExtractShadowVolume(path, destPath string) error {
	ar, err := openArchive(path)
	if err != nil {
		return err
	}
	defer ar.Close()

	rc, err := ar.zr.Open(shadowEntry)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating database file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extracting database: %w", err)
	}
	return out.Close()
}
