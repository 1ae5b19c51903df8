// Package feed harvests recent posts from a syndication mirror. Each
// account on the roster is fetched as an RSS feed, filtered to a lookback
// window, and merged into one newest-first collection.
package feed

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Post is one feed item. Posts are transient; they live only for the
// duration of a pipeline run and are never persisted.
type Post struct {
	Author      string
	Text        string
	PublishedAt time.Time
	SourceID    string
}

// ErrAllFeedsFailed indicates that every roster account errored. Partial
// failures are not an error; the harvester returns what succeeded.
var ErrAllFeedsFailed = errors.New("feed: all feeds failed")

// LoadRoster reads screen names from a UTF-8 text file, one per line.
// Blank lines and lines starting with # are skipped. An empty roster is
// a configuration error.
func LoadRoster(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feed: open roster: %w", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("feed: read roster: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("feed: roster %s contains no screen names", path)
	}
	return names, nil
}
