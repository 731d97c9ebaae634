package document

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace はジョブ専用の一時ディレクトリを表します。
// ディレクトリ名は生成されたジョブIDのみから導出され、
// 呼び出し側が指定したファイル名は一切使用しません。
type workspace struct {
	jobID string
	dir   string
	inDir string
}

func (w workspace) manifestPath() string {
	return filepath.Join(w.dir, manifestFilename)
}

func (w workspace) documentPath() string {
	return filepath.Join(w.inDir, storedDocumentName)
}

func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.dataDir, jobID)
	return workspace{
		jobID: jobID,
		dir:   dir,
		inDir: filepath.Join(dir, "in"),
	}
}

func (s *Service) createWorkspace(jobID string) (workspace, error) {
	ws := s.workspaceFor(jobID)
	if err := os.MkdirAll(ws.inDir, 0o750); err != nil {
		return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
