package util

import (
	"os"
	"path/filepath"

	"github.com/go-nan/go-nan/lib/util/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.GetNanLogger()

// UserHome returns the current user's home directory, falling back to the
// working directory when none can be determined.
func UserHome() string {
	home, err := homedir.Dir()
	if err == nil && home != "" {
		return home
	}
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		wd = "."
	}
	log.WithFields(logger.Fields{
		"at":       "util.UserHome",
		"fallback": wd,
	}).Debug("home_directory_unavailable")
	return wd
}

// ExpandPath expands a leading ~ and cleans the result.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}
