// Package notes gives the assistant read access to a directory of markdown notes: reading a note
// by name, listing a folder and searching note contents.
package notes

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("notes: note not found")

type Dir struct {
	root   string
	logger zerolog.Logger

	mu    sync.RWMutex
	notes map[string]string // note name to path relative to root
}

// Open indexes the notes under root. A leading tilde is expanded to the home directory.
func Open(root string) (*Dir, error) {
	root, err := expandHomeDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "notes.Open")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "notes.Open: stat root directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("notes.Open: root is not a directory: %s", root)
	}

	d := &Dir{
		root:   root,
		logger: log.Logger.With().Str("component", "notes").Str("root", root).Logger(),
	}
	if err := d.Refresh(); err != nil {
		return nil, errors.Wrap(err, "notes.Open")
	}

	return d, nil
}

func (d *Dir) Root() string {
	return d.root
}

// Refresh rebuilds the index. Hidden directories are skipped. When two notes share a name the one
// with the shorter path wins, the same way a wiki link resolves.
func (d *Dir) Refresh() error {
	notes := make(map[string]string)

	handler := func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			d.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return nil
		}

		if e.IsDir() {
			if path != d.root && strings.HasPrefix(e.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if !strings.HasSuffix(e.Name(), ".md") {
			return nil
		}

		name := strings.TrimSuffix(e.Name(), ".md")
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}

		if prev, ok := notes[name]; ok && len(prev) <= len(rel) {
			return nil
		}
		notes[name] = rel
		return nil
	}

	if err := filepath.WalkDir(d.root, handler); err != nil {
		return errors.Wrap(err, "Dir.Refresh: walk notes")
	}

	d.mu.Lock()
	d.notes = notes
	d.mu.Unlock()

	d.logger.Debug().Int("notes", len(notes)).Msg("index refreshed")
	return nil
}

func (d *Dir) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notes)
}

// Read returns the contents of a note wrapped in a <note> tag. The name has neither directories nor
// extension: `dailies/2025-10-11.md` is read as `2025-10-11`.
func (d *Dir) Read(name string) (string, error) {
	d.mu.RLock()
	rel, ok := d.notes[name]
	d.mu.RUnlock()
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "%s", name)
	}

	content, err := os.ReadFile(filepath.Join(d.root, rel))
	if err != nil {
		return "", errors.Wrapf(err, "Dir.Read %s", name)
	}

	return fmt.Sprintf("<note>\n<note_name>%s</note_name>\n\n<content>%s</content></note>", name, content), nil
}

// List lists a folder relative to the root, sorted by name. Hidden entries are omitted and folders
// get a `/` suffix.
func (d *Dir) List(rel string) ([]string, error) {
	path, err := d.resolve(rel)
	if err != nil {
		return nil, errors.Wrap(err, "Dir.List")
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Dir.List %s", rel)
	}

	r := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		if e.IsDir() {
			r = append(r, name+"/")
		} else {
			r = append(r, name)
		}
	}

	return r, nil
}

// Match holds the matching lines of one note.
type Match struct {
	NoteName     string
	MatchedLines []string
}

// Search finds the lines matching pattern in the notes under folder. Matches are grouped by note
// and sorted by note name.
func (d *Dir) Search(pattern, folder string, caseSensitive bool) ([]Match, error) {
	if pattern == "" {
		return nil, errors.New("Dir.Search: pattern cannot be empty")
	}
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "Dir.Search: invalid pattern")
	}

	base, err := d.resolve(folder)
	if err != nil {
		return nil, errors.Wrap(err, "Dir.Search")
	}

	d.mu.RLock()
	names := make([]string, 0, len(d.notes))
	paths := make(map[string]string, len(d.notes))
	for name, rel := range d.notes {
		path := filepath.Join(d.root, rel)
		if !within(base, path) {
			continue
		}
		names = append(names, name)
		paths[name] = path
	}
	d.mu.RUnlock()
	sort.Strings(names)

	matches := make([]Match, 0)
	for _, name := range names {
		lines, err := grepFile(paths[name], re)
		if err != nil {
			d.logger.Warn().Err(err).Str("note", name).Msg("skipping unreadable note")
			continue
		}
		if len(lines) > 0 {
			matches = append(matches, Match{NoteName: name, MatchedLines: lines})
		}
	}

	return matches, nil
}

func grepFile(path string, re *regexp.Regexp) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); re.MatchString(line) {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines, scanner.Err()
}

// resolve joins rel to the root, refusing paths that escape it.
func (d *Dir) resolve(rel string) (string, error) {
	path := filepath.Join(d.root, rel)
	if !within(d.root, path) {
		return "", errors.Errorf("path %s is outside of the notes directory", rel)
	}
	return path, nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func expandHomeDir(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
