package core

import (
	"fmt"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// FindLocalFiles expands glob patterns into the regular files they match.
func FindLocalFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	return files, nil
}

// JobDir is the per-job temp directory on every worker.
func JobDir(baseDir, jobID string) string {
	return path.Join(baseDir, "j_"+jobID)
}

// OutputPath names the file task src of phase writes for task dst of the next phase.
func OutputPath(baseDir, jobID string, phase, src, dst int) string {
	return path.Join(JobDir(baseDir, jobID), fmt.Sprintf("out_%03d_%03d_%03d", phase, src, dst))
}
