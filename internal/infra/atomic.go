package infra

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// atomicWrite replaces path with data: write a temp file in the same
// directory, sync, then rename over the target. Parents are created.
func atomicWrite(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpFile, err := afero.TempFile(fs, dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err = tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	if err = fs.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err = fs.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}

// tempPrefix marks in-flight writes; listings skip these files.
const tempPrefix = ".snapguard-tmp-"
