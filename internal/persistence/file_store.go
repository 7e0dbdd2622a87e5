package persistence

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "Agora-Governance/internal/errors"
)

// FileStore 把快照保存为单个 JSON 文件，写入时先写临时文件再改名。
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件存储，必要时创建父目录。
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建快照目录失败")
	}
	return &FileStore{path: path}, nil
}

// Path 返回快照文件路径。
func (s *FileStore) Path() string { return s.path }

// LoadState 读取快照文件。
func (s *FileStore) LoadState(_ context.Context) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照失败")
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析快照失败",
			xerrors.WithMetadata("path", s.path))
	}
	if err := checkVersion(state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

// SaveState 原子地覆盖快照文件。
func (s *FileStore) SaveState(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时快照失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新快照失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭快照文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换快照失败")
	}
	return nil
}

// Close 对文件存储无操作。
func (s *FileStore) Close() error { return nil }
