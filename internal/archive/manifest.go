// Package archive downloads the yearly accident-location archives listed in a
// remote manifest and merges their tables into one combined table.
package archive

import (
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultFilePattern selects the zipped CSV accident-location archives.
var DefaultFilePattern = regexp.MustCompile(`^Unfallorte.*CSV\.zip$`)

var yearPattern = regexp.MustCompile(`Unfallorte(\d{4})`)

// Manifest is the dataset listing published next to the archives.
type Manifest struct {
	Datasets []Dataset `json:"datasets"`
}

// Dataset groups the files of one published dataset.
type Dataset struct {
	Files []File `json:"files"`
}

// File is one downloadable entry of a dataset.
type File struct {
	Name string `json:"name"`
}

// SelectFiles returns the distinct file names matching pattern, in manifest order.
func (m *Manifest) SelectFiles(pattern *regexp.Regexp) []string {
	if pattern == nil {
		pattern = DefaultFilePattern
	}
	seen := make(map[string]bool)
	var names []string
	for _, ds := range m.Datasets {
		for _, f := range ds.Files {
			if !pattern.MatchString(f.Name) || seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}
	return names
}

// yearKey identifies the source year of a table from the first of names
// carrying one, falling back to the first name without its extension.
func yearKey(names ...string) string {
	for _, n := range names {
		if m := yearPattern.FindStringSubmatch(n); m != nil {
			return m[1]
		}
	}
	if len(names) == 0 {
		return ""
	}
	base := filepath.Base(names[0])
	return strings.TrimSuffix(base, filepath.Ext(base))
}
