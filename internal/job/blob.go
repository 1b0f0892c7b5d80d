package job

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/lucasnoah/coursefactory/internal/fileutil"
)

// ArtifactRef returns the job-relative reference for an artifact payload.
func ArtifactRef(stage string, attempt int, name string) string {
	return path.Join("artifacts", stage, fmt.Sprintf("attempt-%d", attempt), name)
}

// PutArtifact writes data under the job's artifact area and returns its
// reference.
func (s *FileStore) PutArtifact(jobID, stage string, attempt int, name string, data []byte) (string, error) {
	if name == "" || filepath.Base(name) != name || name == ".." {
		return "", fmt.Errorf("artifact name %q: %w", name, ErrInvalidRef)
	}
	ref := ArtifactRef(stage, attempt, name)
	p, err := s.ArtifactPath(jobID, ref)
	if err != nil {
		return "", err
	}
	if err := fileutil.WriteAtomic(p, data); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", ref, err)
	}
	return ref, nil
}

// ReadArtifact returns the payload stored at ref.
func (s *FileStore) ReadArtifact(jobID, ref string) ([]byte, error) {
	p, err := s.ArtifactPath(jobID, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	return data, nil
}

// ArtifactPath resolves ref to an absolute path, rejecting references that
// escape the job directory.
func (s *FileStore) ArtifactPath(jobID, ref string) (string, error) {
	local := filepath.FromSlash(ref)
	if !filepath.IsLocal(jobID) || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%s: %w", ref, ErrInvalidRef)
	}
	return filepath.Join(s.jobDir(jobID), local), nil
}
