package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FileArchiver keeps finished recordings as <dir>/<dictation id>.wav.
type FileArchiver struct {
	dir string
}

func NewFileArchiver(dir string) *FileArchiver {
	return &FileArchiver{dir: dir}
}

func (a *FileArchiver) Path(dictationID int64) string {
	return filepath.Join(a.dir, strconv.FormatInt(dictationID, 10)+".wav")
}

func (a *FileArchiver) Archive(ctx context.Context, dictationID int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	path := a.Path(dictationID)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize recording: %w", err)
	}
	return nil
}
