// Package dataset writes shots to append-only delimited text files.
//
// A dataset is a record file with a header row and one row per sample,
// TIME followed by one column per channel, and a sibling metadata file of
// key/value rows.  Neither file is ever overwritten; creating either when it
// already exists fails and leaves the existing file untouched.
//
// Files are opened and closed for each call, so rows written before a crash
// or an interruption are on disk.
package dataset

import (
	"bufio"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/muonscope/oscilloscope"
)

var (
	// ErrDatasetExists is returned when creating a record file that already exists
	ErrDatasetExists = errors.New("dataset already exists")

	// ErrMetadataExists is returned when creating a metadata file that already exists
	ErrMetadataExists = errors.New("metadata file already exists")
)

// Zone is the fixed offset that dated filenames are computed in, UTC+9
var Zone = time.FixedZone("JST", 9*60*60)

// MetaPrefix is prepended to a dataset's base name to name its metadata file
const MetaPrefix = "meta_"

// Filename returns the path in dir of the dataset for the date of now in Zone,
// YYYYMMDD.csv
func Filename(dir string, now time.Time) string {
	return filepath.Join(dir, now.In(Zone).Format("20060102")+".csv")
}

// MetaFilename returns the path of the metadata file that accompanies path
func MetaFilename(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, MetaPrefix+base)
}

// Header returns the header row for the given channels, TIME, CH1, ...
func Header(channels []int) []string {
	h := make([]string, 0, len(channels)+1)
	h = append(h, "TIME")
	for _, ch := range channels {
		h = append(h, "CH"+strconv.Itoa(ch))
	}
	return h
}

// Field is one key/value row of a metadata file
type Field struct {
	Key   string
	Value string
}

// createExclusive creates path, failing with sentinel if it exists, and
// writes rows to it
func createExclusive(path string, sentinel error, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Wrap(sentinel, path)
		}
		return err
	}
	defer f.Close()
	if err = writeRows(f, rows); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

func writeRows(f *os.File, rows [][]string) error {
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return buf.Flush()
}

// CheckFree returns ErrDatasetExists or ErrMetadataExists if the dataset at
// path or its metadata file already exist
func CheckFree(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Wrap(ErrDatasetExists, path)
	}
	meta := MetaFilename(path)
	if _, err := os.Stat(meta); err == nil {
		return errors.Wrap(ErrMetadataExists, meta)
	}
	return nil
}

// Create creates the dataset at path with a header row.
// If header is nil, the file is created empty.
func Create(path string, header []string) error {
	var rows [][]string
	if header != nil {
		rows = append(rows, header)
	}
	return createExclusive(path, ErrDatasetExists, rows)
}

// CreateMetadata creates the metadata file at path with one row per field
func CreateMetadata(path string, fields []Field) error {
	rows := make([][]string, len(fields))
	for i, f := range fields {
		rows[i] = []string{f.Key, f.Value}
	}
	return createExclusive(path, ErrMetadataExists, rows)
}

// Append appends rows to the existing file at path
func Append(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = writeRows(f, rows); err != nil {
		return errors.Wrapf(err, "appending to %s", path)
	}
	return f.Close()
}

// Formatter renders values as text
type Formatter struct {
	// Digits is the number of mantissa digits after the decimal point in
	// scientific notation, e.g. 6 gives 1.234568e-06.
	// Zero uses the fewest digits that represent the value exactly.
	Digits int
}

// Format renders v
func (f Formatter) Format(v float64) string {
	if f.Digits <= 0 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'e', f.Digits, 64)
}

// Rows converts a shot to one row per sample
func (f Formatter) Rows(shot oscilloscope.Shot) ([][]string, error) {
	n := shot.Len()
	for _, tr := range shot.Traces {
		if len(tr.Volts) != n {
			return nil, errors.Errorf("CH%d has %d points, time axis has %d", tr.Channel, len(tr.Volts), n)
		}
	}
	rows := make([][]string, n)
	for i := 0; i < n; i++ {
		row := make([]string, 1+len(shot.Traces))
		row[0] = f.Format(shot.Time[i])
		for j, tr := range shot.Traces {
			row[j+1] = f.Format(tr.Volts[i])
		}
		rows[i] = row
	}
	return rows, nil
}

// Writer appends shots to one dataset
type Writer struct {
	Path string
	Formatter
}

// NewWriter returns a writer for the dataset at path
func NewWriter(path string, digits int) *Writer {
	return &Writer{Path: path, Formatter: Formatter{Digits: digits}}
}

// AppendShot appends one row per sample of shot and returns the number
// of rows written.  Nothing is written if the shot is inconsistent.
func (w *Writer) AppendShot(shot oscilloscope.Shot) (int, error) {
	rows, err := w.Rows(shot)
	if err != nil {
		return 0, err
	}
	return len(rows), Append(w.Path, rows)
}
