package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact file names inside a recording's staging directory.
const (
	mediaFileName  = "media.wav"
	transcriptFile = "transcript.txt"
	summaryFile    = "summary.txt"
	sentimentFile  = "sentiment.json"
	embeddingFile  = "embedding.json"
)

// artifactDir returns the per-recording staging directory, creating it.
func artifactDir(stagingDir string, recordingID int64) (string, error) {
	dir := filepath.Join(stagingDir, fmt.Sprintf("rec-%d", recordingID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	return dir, nil
}

// writeArtifact writes content atomically next to its final location so a
// crash mid-write never leaves a truncated artifact behind a complete stage.
func writeArtifact(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

func readArtifact(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}
