package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, dest string) error

// archiveName returns the last path element of a source URL
func archiveName(rawURL string) string {
	u, err := url.Parse(rawURL)
	p := rawURL
	if err == nil {
		p = u.Path
		if p == "" {
			p = u.Opaque
		}
	}

	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return name
}

func getExtractor(name string) archiveExtractor {
	name = strings.ToLower(name)

	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, dest)
		}
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz"), strings.HasSuffix(name, ".tbz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string) error {
			return extractTar(bzip2.NewReader(f), f, bar, dest)
		}
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, dest)
		}
	case strings.HasSuffix(name, ".tar.br"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string) error {
			return extractTar(brotli.NewReader(f), f, bar, dest)
		}
	case strings.HasSuffix(name, ".tar"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string) error {
			return extractTar(f, f, bar, dest)
		}
	}

	return nil
}

// entryPath resolves an archive member below dest and rejects members that would escape it, either by name
// or by passing through a symlink extracted earlier
func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", eris.Errorf("archive member %s points outside of the destination", name)
	}

	result := filepath.Join(dest, clean)
	if err := checkNoSymlinks(dest, result); err != nil {
		return "", err
	}
	return result, nil
}

// checkNoSymlinks fails if any existing component of item below dest is a symlink
func checkNoSymlinks(dest, item string) error {
	rel, err := filepath.Rel(dest, item)
	if err != nil {
		return eris.Wrapf(err, "Failed to resolve %s", item)
	}

	current := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}

		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return eris.Wrapf(err, "Failed to check %s", current)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return eris.Errorf("archive member %s would be written through the symlink %s", item, current)
		}
	}

	return nil
}

func within(dest, item string) bool {
	rel, err := filepath.Rel(dest, item)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// linkTarget resolves the target of a symlink at link and makes sure it stays inside dest. Targets routed
// through other symlinks are rejected since they can't be checked by looking at the path alone.
func linkTarget(dest, link, target string) (string, error) {
	if target == "" || filepath.IsAbs(target) || path.IsAbs(target) {
		return "", eris.Errorf("symlink %s points to %q which is outside of the destination", link, target)
	}

	current := filepath.Dir(link)
	for _, part := range strings.Split(filepath.FromSlash(target), string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
		default:
			current = filepath.Join(current, part)
		}

		if !within(dest, current) {
			return "", eris.Errorf("symlink %s points to %q which is outside of the destination", link, target)
		}

		info, err := os.Lstat(current)
		if err == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", eris.Errorf("symlink %s points through another symlink (%s)", link, current)
		}
	}

	return current, nil
}

func updateBar(f *os.File, bar *progressbar.ProgressBar) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		bar.Set64(pos)
	}
}

func writeFile(dest string, r io.Reader, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(dest), 0o770)
	if err != nil {
		return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(dest))
	}

	destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o600)
	if err != nil {
		return eris.Wrapf(err, "Failed to create file %s", dest)
	}
	defer destHandle.Close()

	_, err = io.Copy(destHandle, r)
	if err != nil {
		return eris.Wrapf(err, "Failed to write extracted file %s", dest)
	}

	return destHandle.Close()
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, dest string) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	for _, item := range archive.File {
		itemDest, err := entryPath(dest, item.Name)
		if err != nil {
			return err
		}

		if strings.HasSuffix(item.Name, "/") {
			err = os.MkdirAll(itemDest, 0o770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create directory %s", itemDest)
			}
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			return eris.Wrap(err, "Failed to open archive entry")
		}

		err = writeFile(itemDest, itemHandle, item.Mode())
		itemHandle.Close()
		if err != nil {
			return err
		}

		updateBar(f, bar)
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, dest string) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		itemDest, err := entryPath(dest, item.Name)
		if err != nil {
			return err
		}

		switch item.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(itemDest, 0o770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create directory %s", itemDest)
			}
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(itemDest), 0o770)
			if err != nil {
				return eris.Wrapf(err, "Failed to create directory %s", filepath.Dir(itemDest))
			}

			_, err = linkTarget(dest, itemDest, item.Linkname)
			if err != nil {
				return err
			}

			err = os.Symlink(item.Linkname, itemDest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", itemDest, item.Linkname)
			}
		case tar.TypeLink:
			target, err := entryPath(dest, item.Linkname)
			if err != nil {
				return err
			}

			err = os.Link(target, itemDest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create hardlink %s pointing to %s", itemDest, target)
			}
		case tar.TypeReg, tar.TypeRegA:
			err = writeFile(itemDest, archive, item.FileInfo().Mode())
			if err != nil {
				return err
			}
		default:
			// devices, fifos and the like have no place in a source tree
			continue
		}

		updateBar(f, bar)
	}

	return nil
}

// copyRaw places a file that isn't a recognized archive into dest as it is
func copyRaw(f *os.File, dest, name string) error {
	_, err := f.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	return writeFile(filepath.Join(dest, name), f, 0o644)
}
