package main

import (
	"path/filepath"
	"sort"
	"strings"
)

func sortStrings(s []string) { sort.Strings(s) }

func fileExt(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimPrefix(ext, ".")
}
