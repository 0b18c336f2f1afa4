package gameproject

import (
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// WorldContextSubject keys the world document in the lore table.
const WorldContextSubject = "world_context"

// LoreEntry is one seed lore record: a subject key, its text, and the project
// file it came from.
type LoreEntry struct {
	Subject string
	Data    string
	Source  string
}

// LoadCorpus collects the project's seed lore: the world document, the entries
// CSV, then any manifest include globs. Missing world/entries files are fine;
// a glob that matches nothing is fine too. Duplicate subjects keep the first
// occurrence.
func LoadCorpus(projectDir string, m *Manifest) ([]LoreEntry, error) {
	var entries []LoreEntry
	seen := map[string]bool{}
	add := func(e LoreEntry) {
		if e.Subject == "" || seen[e.Subject] {
			return
		}
		seen[e.Subject] = true
		entries = append(entries, e)
	}

	worldPath := filepath.Join(projectDir, filepath.FromSlash(m.Lore.World))
	if b, err := os.ReadFile(worldPath); err == nil {
		if text := strings.TrimSpace(string(b)); text != "" {
			add(LoreEntry{Subject: WorldContextSubject, Data: text, Source: m.Lore.World})
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	csvEntries, err := loadEntriesCSV(filepath.Join(projectDir, filepath.FromSlash(m.Lore.Entries)), m.Lore.Entries)
	if err != nil {
		return nil, err
	}
	for _, e := range csvEntries {
		add(e)
	}

	fsys := os.DirFS(projectDir)
	for _, pattern := range m.Lore.Include {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("lore include %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, match := range matches {
			info, err := fs.Stat(fsys, match)
			if err != nil || info.IsDir() {
				continue
			}
			b, err := fs.ReadFile(fsys, match)
			if err != nil {
				return nil, fmt.Errorf("lore include %q: %w", match, err)
			}
			text := strings.TrimSpace(string(b))
			if text == "" {
				continue
			}
			add(LoreEntry{Subject: includeSubject(match), Data: text, Source: match})
		}
	}

	return entries, nil
}

// includeSubject derives the lore subject from an included file path:
// slash-separated, extension dropped. "lore/regions/north.md" becomes
// "lore/regions/north".
func includeSubject(match string) string {
	return strings.TrimSuffix(match, filepath.Ext(match))
}

// loadEntriesCSV parses the seed entries CSV. The header must carry a
// "subject" column and one of "data", "description", or "entry" for the text.
// A missing file yields no entries.
func loadEntriesCSV(path, source string) ([]LoreEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	subjectCol, dataCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "subject":
			subjectCol = i
		case "data", "description", "entry":
			if dataCol < 0 {
				dataCol = i
			}
		}
	}
	if subjectCol < 0 || dataCol < 0 {
		return nil, fmt.Errorf("%s: header must contain subject and one of data, description, entry", source)
	}

	var entries []LoreEntry
	for _, row := range rows[1:] {
		if subjectCol >= len(row) || dataCol >= len(row) {
			continue
		}
		subject := strings.TrimSpace(row[subjectCol])
		data := strings.TrimSpace(row[dataCol])
		if subject == "" || data == "" {
			continue
		}
		entries = append(entries, LoreEntry{Subject: subject, Data: data, Source: source})
	}
	return entries, nil
}
