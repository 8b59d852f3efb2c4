// Package initramfs builds newc-format cpio archives suitable for use
// as an init RAM disk, from an existing directory tree.
package initramfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cavaliergopher/cpio"
)

const numLinks = 2

// Build walks dir and writes its contents into w as a newc cpio
// archive. Directories, regular files, and symbolic links are
// archived with paths relative to dir; other file types are skipped.
func Build(w io.Writer, dir string) error {
	cw := cpio.NewWriter(w)

	root := os.DirFS(dir)

	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		switch {
		case d.IsDir():
			return writeDirectory(cw, path)
		case info.Mode().IsRegular():
			return writeRegular(cw, root, path, info)
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(dir, filepath.FromSlash(path)))
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			return writeLink(cw, path, target)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	return nil
}

// BuildFile builds the archive for dir into a new temporary file and
// returns its path. The caller removes the file when done.
func BuildFile(dir string) (string, error) {
	f, err := os.CreateTemp("", "microvm-initrd-*.cpio")
	if err != nil {
		return "", fmt.Errorf("create initrd file: %w", err)
	}

	if err := Build(f, dir); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("build initrd from %s: %w", dir, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close initrd file: %w", err)
	}

	return f.Name(), nil
}

func writeDirectory(cw *cpio.Writer, path string) error {
	header := &cpio.Header{
		Name:  path,
		Mode:  cpio.TypeDir | cpio.ModePerm,
		Links: numLinks,
	}

	if err := cw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}

	return nil
}

func writeLink(cw *cpio.Writer, path, target string) error {
	header := &cpio.Header{
		Name: path,
		Mode: cpio.TypeSymlink | cpio.ModePerm,
		Size: int64(len(target)),
	}

	if err := cw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}

	if _, err := cw.Write([]byte(target)); err != nil {
		return fmt.Errorf("write body for %s: %w", path, err)
	}

	return nil
}

func writeRegular(cw *cpio.Writer, root fs.FS, path string, info fs.FileInfo) error {
	header, err := cpio.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("create header for %s: %w", path, err)
	}
	header.Name = path

	if err := cw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %s: %w", path, err)
	}

	f, err := root.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(cw, f); err != nil {
		return fmt.Errorf("write body for %s: %w", path, err)
	}

	return nil
}
