package results

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// ErrMalformed is returned when persisted row-set content cannot be decoded.
// It's never partially decoded.
var ErrMalformed = errors.New("malformed row-set")

// ErrInvalidRow is returned when a row cannot be encoded such that it would
// decode again. Nothing is written.
var ErrInvalidRow = errors.New("invalid row")

// Columns are the fixed leading columns of a row-set. Each distinct
// property key of the row-set follows in its own column, in sorted order.
var Columns = []string{
	"BenchmarkFileName",
	"AcquireTime",
	"NormalizedRuntime",
	"TotalProcessorTime",
	"WallClockTime",
	"PeakMemorySizeMB",
	"Status",
	"ExitCode",
	"StdOut",
	"StdOutExtStorageIdx",
	"StdErr",
	"StdErrExtStorageIdx",
}

// AcquireTimeLayout is the persisted layout of BenchmarkResult.AcquireTime,
// which is always UTC.
const AcquireTimeLayout = "01/02/2006 15:04:05"

const utf8BOM = "\ufeff"

// Archive entries carry a fixed modification time, so that equal row-sets
// produce equal objects.
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ObjectName is the store path of the row-set object of an experiment.
func ObjectName(experimentID int64) string {
	return strconv.FormatInt(experimentID, 10) + ".csv.zip"
}

// EntryName is the name of the single archive entry of a row-set object.
func EntryName(experimentID int64) string {
	return strconv.FormatInt(experimentID, 10) + ".csv"
}

// PropertyKeys returns the sorted, distinct property keys of |rows|.
func PropertyKeys(rows []*BenchmarkResult) []string {
	var set = make(map[string]struct{})
	for _, r := range rows {
		for k := range r.Properties {
			set[k] = struct{}{}
		}
	}
	var keys = make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteCSV writes |rows| as UTF-8 CSV text with a leading byte-order mark.
// If any row would not decode again, it fails with ErrInvalidRow and writes nothing.
func WriteCSV(w io.Writer, rows []*BenchmarkResult) error {
	for i, r := range rows {
		if err := validateRow(r); err != nil {
			return errors.WithMessagef(err, "row %d (%s)", i, r.BenchmarkFileName)
		}
	}
	var keys = PropertyKeys(rows)

	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	var cw = csv.NewWriter(w)

	if err := cw.Write(append(append([]string(nil), Columns...), keys...)); err != nil {
		return err
	}
	var record = make([]string, len(Columns)+len(keys))

	for _, r := range rows {
		marshalRecord(r, keys, record)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// validateRow rejects rows which ReadCSV would refuse.
func validateRow(r *BenchmarkResult) error {
	if err := r.Status.Validate(); err != nil {
		return errors.WithMessage(ErrInvalidRow, err.Error())
	}
	for k := range r.Properties {
		if k == "" {
			return errors.WithMessage(ErrInvalidRow, "empty property key")
		}
	}
	return nil
}

func marshalRecord(r *BenchmarkResult, keys []string, record []string) {
	record[0] = r.BenchmarkFileName
	record[1] = r.AcquireTime.UTC().Format(AcquireTimeLayout)
	record[2] = formatFloat(r.NormalizedCPUTime)
	record[3] = formatFloat(r.CPUTime)
	record[4] = formatFloat(r.WallClockTime)
	record[5] = formatFloat(r.PeakMemoryMB)
	record[6] = r.Status.String()
	record[7] = formatOptInt(r.ExitCode)
	record[8] = r.StdOut
	record[9] = formatOptInt(r.StdOutExtIndex)
	record[10] = r.StdErr
	record[11] = formatOptInt(r.StdErrExtIndex)

	for i, k := range keys {
		record[len(Columns)+i] = r.Properties[k] // Empty if missing.
	}
}

// ReadCSV reads rows of the experiment from CSV text produced by WriteCSV.
// Empty property cells are read as absent properties.
func ReadCSV(r io.Reader, experimentID int64) ([]*BenchmarkResult, error) {
	var br = bufio.NewReader(r)
	if b, _ := br.Peek(len(utf8BOM)); string(b) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}
	var cr = csv.NewReader(br)

	var header, err = cr.Read()
	if err == io.EOF {
		return nil, malformed("missing header")
	} else if err != nil {
		return nil, malformed("reading header: %s", err)
	} else if len(header) < len(Columns) {
		return nil, malformed("header has %d columns, expected at least %d", len(header), len(Columns))
	}
	for i, c := range Columns {
		if header[i] != c {
			return nil, malformed("header column %d is %q, expected %q", i, header[i], c)
		}
	}
	var keys = header[len(Columns):]
	var seen = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			return nil, malformed("invalid property column %q", k)
		}
		seen[k] = struct{}{}
	}

	var rows []*BenchmarkResult
	for line := 2; ; line++ {
		var record, err = cr.Read()
		if err == io.EOF {
			return rows, nil
		} else if err != nil {
			return nil, malformed("%s", err)
		}
		var row, uErr = unmarshalRecord(record, keys)
		if uErr != nil {
			return nil, malformed("line %d: %s", line, uErr)
		}
		row.ExperimentID = experimentID
		rows = append(rows, row)
	}
}

func unmarshalRecord(record []string, keys []string) (*BenchmarkResult, error) {
	var r = &BenchmarkResult{
		BenchmarkFileName: record[0],
		StdOut:            record[8],
		StdErr:            record[10],
	}
	var err error

	if r.AcquireTime, err = parseTime(record[1]); err != nil {
		return nil, fmt.Errorf("AcquireTime: %w", err)
	} else if r.NormalizedCPUTime, err = parseFloat(record[2]); err != nil {
		return nil, fmt.Errorf("NormalizedRuntime: %w", err)
	} else if r.CPUTime, err = parseFloat(record[3]); err != nil {
		return nil, fmt.Errorf("TotalProcessorTime: %w", err)
	} else if r.WallClockTime, err = parseFloat(record[4]); err != nil {
		return nil, fmt.Errorf("WallClockTime: %w", err)
	} else if r.PeakMemoryMB, err = parseFloat(record[5]); err != nil {
		return nil, fmt.Errorf("PeakMemorySizeMB: %w", err)
	} else if r.Status, err = ParseStatus(record[6]); err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	} else if r.ExitCode, err = parseOptInt(record[7]); err != nil {
		return nil, fmt.Errorf("ExitCode: %w", err)
	} else if r.StdOutExtIndex, err = parseOptInt(record[9]); err != nil {
		return nil, fmt.Errorf("StdOutExtStorageIdx: %w", err)
	} else if r.StdErrExtIndex, err = parseOptInt(record[11]); err != nil {
		return nil, fmt.Errorf("StdErrExtStorageIdx: %w", err)
	}

	for i, k := range keys {
		if v := record[len(Columns)+i]; v != "" {
			if r.Properties == nil {
				r.Properties = make(map[string]string)
			}
			r.Properties[k] = v
		}
	}
	return r, nil
}

// MarshalArchive returns the row-set object of the experiment: a zip
// archive having a single CSV entry.
func MarshalArchive(experimentID int64, rows []*BenchmarkResult) ([]byte, error) {
	var buf bytes.Buffer
	var zw = zip.NewWriter(&buf)

	var w, err = zw.CreateHeader(&zip.FileHeader{
		Name:     EntryName(experimentID),
		Method:   zip.Deflate,
		Modified: archiveEpoch,
	})
	if err != nil {
		return nil, err
	} else if err = WriteCSV(w, rows); err != nil {
		return nil, err
	} else if err = zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalArchive decodes rows of the experiment from its row-set object.
func UnmarshalArchive(experimentID int64, content []byte) ([]*BenchmarkResult, error) {
	var zr, err = zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, malformed("opening archive: %s", err)
	} else if len(zr.File) != 1 {
		return nil, malformed("archive has %d entries, expected one", len(zr.File))
	} else if name := zr.File[0].Name; name != EntryName(experimentID) {
		return nil, malformed("archive entry is %q, expected %q", name, EntryName(experimentID))
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, malformed("opening archive entry: %s", err)
	}
	defer rc.Close()

	// Fully buffer, so that a corrupt or truncated entry fails before any
	// rows are decoded.
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, malformed("reading archive entry: %s", err)
	}
	return ReadCSV(bytes.NewReader(b), experimentID)
}

func malformed(format string, args ...interface{}) error {
	return errors.WithMessagef(ErrMalformed, format, args...)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func formatOptInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func parseOptInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	var v, err = strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(AcquireTimeLayout, s); err == nil {
		return t, nil
	} else if t, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t.UTC(), nil
	} else {
		return time.Time{}, err
	}
}
