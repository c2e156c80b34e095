// Package chunk parses markdown bullets into the Chunk shape the FTS and
// vector indexes key on.
package chunk

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/hypermemory/hypermemory/internal/model"
)

var (
	bulletRe = regexp.MustCompile(`^\s*-\s*(.+?)\s*$`)
	h2Re     = regexp.MustCompile(`^##\s+(.+?)\s*$`)
)

const rootSourceKey = "(root)"

// ExtractCurated parses a curated markdown file (MEMORY.md or a staging
// file): H2 headings set the current source_key, bullets under a heading
// emit chunks numbered from 0 within that heading. Returns zero chunks
// when path does not exist.
func ExtractCurated(path, docID, source string) ([]model.Chunk, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	var chunks []model.Chunk
	sourceKey := rootSourceKey
	counts := map[string]int{}

	for _, line := range lines {
		if m := h2Re.FindStringSubmatch(line); m != nil {
			sourceKey = m[1]
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil && m[1] != "" {
			ix := counts[sourceKey]
			chunks = append(chunks, model.Chunk{
				DocID:     docID,
				Source:    source,
				SourceKey: sourceKey,
				ChunkIx:   ix,
				Text:      m[1],
			})
			counts[sourceKey] = ix + 1
		}
	}

	return chunks, nil
}

// ExtractDaily parses a daily log file: bullets are numbered from 0 over
// the whole file, source_key is the day stem (e.g. "2024-01-02"). Returns
// zero chunks when path does not exist.
func ExtractDaily(path, docID, day string) ([]model.Chunk, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	var chunks []model.Chunk
	ix := 0
	for _, line := range lines {
		if m := bulletRe.FindStringSubmatch(line); m != nil && m[1] != "" {
			chunks = append(chunks, model.Chunk{
				DocID:     docID,
				Source:    "daily",
				SourceKey: day,
				ChunkIx:   ix,
				Text:      m[1],
			})
			ix++
		}
	}

	return chunks, nil
}

// SerializeBullets renders chunks back into a markdown document, grouping
// consecutive chunks sharing a source_key under an H2 heading. This is
// the inverse used by the chunk round-trip law.
func SerializeBullets(chunks []model.Chunk) string {
	var b strings.Builder
	lastKey := ""
	first := true
	for _, c := range chunks {
		if c.SourceKey != lastKey {
			if !first {
				b.WriteString("\n")
			}
			if c.SourceKey != rootSourceKey {
				fmt.Fprintf(&b, "## %s\n", c.SourceKey)
			}
			lastKey = c.SourceKey
			first = false
		}
		fmt.Fprintf(&b, "- %s\n", c.Text)
	}
	return b.String()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
