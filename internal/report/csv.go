package report

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Header is the column layout of the report file.
var Header = []string{
	"workload_name",
	"chunks_per_rank",
	"num_ranks",
	"timer_tag",
	"elapsed_seconds",
	"chunk_size_bytes",
	"io_participation",
	"filter",
	"elapsed_seconds_per_chunk",
}

// CSVFile appends rows to a report file. The header is written only when
// the file is empty, so several runs can share one report.
type CSVFile struct {
	path string
	f    *os.File
	w    *csv.Writer
}

// OpenCSV opens path for appending, creating it with a header if needed.
func OpenCSV(path string) (*CSVFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening report %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat report %s", path)
	}

	c := &CSVFile{path: path, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := c.write(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

// Path is the report file's path.
func (c *CSVFile) Path() string { return c.path }

// Append writes rows and flushes them to the file, so rows of completed
// iterations survive a later fatal error.
func (c *CSVFile) Append(rows []Row) error {
	for _, r := range rows {
		c.w.Write(Record(r))
	}
	c.w.Flush()
	return errors.Wrapf(c.w.Error(), "appending to report %s", c.path)
}

func (c *CSVFile) write(record []string) error {
	c.w.Write(record)
	c.w.Flush()
	return errors.Wrapf(c.w.Error(), "writing report %s", c.path)
}

func (c *CSVFile) Close() error {
	return c.f.Close()
}

// Record formats r as a report line.
func Record(r Row) []string {
	return []string{
		r.Workload,
		strconv.FormatUint(r.ChunksPerRank, 10),
		strconv.Itoa(r.NumRanks),
		r.Timer,
		formatSeconds(r.Seconds()),
		strconv.FormatUint(r.ChunkSizeBytes, 10),
		string(r.Participation),
		string(r.Filter),
		formatSeconds(r.SecondsPerChunk()),
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 9, 64)
}
