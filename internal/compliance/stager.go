package compliance

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Stager はジョブに投入するID一覧を一時的に保持する。
// Stageで確保した資源はReleaseで解放する。
type Stager interface {
	Stage(ids []string) (string, error)
	Open(path string) (io.ReadCloser, error)
	Release(path string) error
}

// FileStager はID一覧を改行区切りの一時ファイルに書き出すStager。
type FileStager struct {
	dir string
}

// NewFileStager はFileStagerを生成する。dirが空の場合はOSの一時ディレクトリを使用する。
func NewFileStager(dir string) *FileStager {
	return &FileStager{dir: dir}
}

// Stage はIDを1行ずつ書き出し、ファイルのパスを返す。
func (s *FileStager) Stage(ids []string) (string, error) {
	f, err := os.CreateTemp(s.dir, "compliance-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	path := f.Name()

	w := bufio.NewWriter(f)
	for _, id := range ids {
		if _, err := w.WriteString(id + "\n"); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write staging file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to flush staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	return path, nil
}

// Open はステージング済みファイルを読み出し用に開く。
func (s *FileStager) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Release はステージングファイルを削除する。既に存在しない場合は何もしない。
func (s *FileStager) Release(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
