package main

import (
	"path/filepath"
	"strings"
)

var runTagReplacer = strings.NewReplacer(
	"/", "__",
	"\\", "__",
	" ", "",
	"*", "",
	"?", "",
	"[", "",
	"]", "",
)

// runTagFor names a run after its log file: the resolved absolute path
// without extension, with path separators turned into "__".
func runTagFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = strings.TrimSuffix(abs, filepath.Ext(abs))
	return runTagReplacer.Replace(abs)
}
