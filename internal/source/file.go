package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
)

// Separator used by the DVF bulk files.
const dvfSeparator = "|"

// fileSource pulls DVF records from pipe-delimited bulk files under a local
// directory. One file covers one civil year; the cursor is
// "<fileIndex>:<lineOffset>" over the sorted candidate files, so a resumed
// fetch skips lines already committed to bronze.
type fileSource struct {
	dir       string
	chunkSize int
	now       func() time.Time
}

func newFileSource(cfg Config) *fileSource {
	chunk := cfg.DVFChunkSize
	if chunk <= 0 {
		chunk = 50000
	}
	return &fileSource{dir: cfg.DVFDir, chunkSize: chunk, now: time.Now}
}

func (s *fileSource) FetchPage(ctx context.Context, part lake.PartitionKey, cursor string) (*Page, error) {
	files, err := s.candidateFiles(part)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return &Page{Done: true}, nil
	}

	fileIdx, lineOffset, err := parseFileCursor(cursor)
	if err != nil {
		return nil, err
	}
	if fileIdx >= len(files) {
		return &Page{Done: true}, nil
	}

	path := files[fileIdx]
	page, lastLine, eof, err := s.scanFile(ctx, part, path, lineOffset)
	if err != nil {
		return nil, err
	}

	if eof {
		if fileIdx+1 >= len(files) {
			page.Done = true
			page.NextCursor = ""
		} else {
			page.NextCursor = fmt.Sprintf("%d:%d", fileIdx+1, 0)
		}
	} else {
		page.NextCursor = fmt.Sprintf("%d:%d", fileIdx, lastLine)
	}
	return page, nil
}

// scanFile reads up to chunkSize data lines starting at lineOffset,
// collecting the lines that belong to the partition.
func (s *fileSource) scanFile(ctx context.Context, part lake.PartitionKey, path string, lineOffset int) (page *Page, lastLine int, eof bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, 0, false, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
		}
		return nil, 0, false, &MalformedError{Source: path, Reason: "empty file, no header"}
	}
	header := scanner.Text()
	columns := strings.Split(header, dvfSeparator)

	dateIdx := indexOf(columns, "Date mutation")
	deptIdx := indexOf(columns, "Code departement")
	if dateIdx < 0 || deptIdx < 0 {
		return nil, 0, false, &MalformedError{
			Source: path,
			Reason: fmt.Sprintf("header missing partition columns (separator %q?)", dvfSeparator),
		}
	}

	start, end, err := lake.PeriodRange(part.Period)
	if err != nil {
		return nil, 0, false, err
	}

	base := filepath.Base(path)
	ingestedAt := s.now().UTC()
	page = &Page{}
	line := 0
	scanned := 0

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, 0, false, ctx.Err()
		}
		line++
		if line <= lineOffset {
			continue
		}
		scanned++

		text := scanner.Text()
		if belongsTo(text, dateIdx, deptIdx, part.Department, start, end) {
			page.Records = append(page.Records, lake.RawRecord{
				ID:         fmt.Sprintf("%s:%d", base, line),
				Source:     path,
				Payload:    []byte(text),
				Meta:       map[string]string{"columns": header},
				IngestedAt: ingestedAt,
				Partition:  part,
			})
		}

		if scanned >= s.chunkSize {
			return page, line, false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	return page, line, true, nil
}

// belongsTo reports whether a data line falls inside the partition's
// department and quarter. Lines that cannot be located are not part of any
// partition this source serves; malformed field content is the transform
// stage's concern.
func belongsTo(line string, dateIdx, deptIdx int, department string, start, end time.Time) bool {
	fields := strings.Split(line, dvfSeparator)
	if dateIdx >= len(fields) || deptIdx >= len(fields) {
		return false
	}
	if strings.TrimSpace(fields[deptIdx]) != department {
		return false
	}
	t, err := time.Parse("02/01/2006", strings.TrimSpace(fields[dateIdx]))
	if err != nil {
		return false
	}
	t = t.UTC()
	return !t.Before(start) && t.Before(end)
}

// candidateFiles returns the bulk files that may contain the partition's
// year, sorted for a stable cursor.
func (s *fileSource) candidateFiles(part lake.PartitionKey) ([]string, error) {
	year, _, err := lake.ParsePeriod(part.Period)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read dir %s: %v", ErrUnavailable, s.dir, err)
	}

	yearTag := fmt.Sprintf("%d", year)
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".txt") && !strings.HasSuffix(name, ".csv") {
			continue
		}
		if strings.Contains(entry.Name(), yearTag) {
			files = append(files, filepath.Join(s.dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func parseFileCursor(cursor string) (fileIdx, lineOffset int, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	if _, err := fmt.Sscanf(cursor, "%d:%d", &fileIdx, &lineOffset); err != nil {
		return 0, 0, fmt.Errorf("malformed file cursor %q: %w", cursor, err)
	}
	return fileIdx, lineOffset, nil
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if strings.TrimSpace(c) == name {
			return i
		}
	}
	return -1
}

func (s *fileSource) Close() error { return nil }
