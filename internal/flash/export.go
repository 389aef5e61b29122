package flash

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Flat export layout: a marker line, a header line, then one tab-separated
// line per subclass.
const (
	ExportMarker = "# bm2flash data flash export"
	ExportHeader = "Subclass ID\tLength\tData Array ->"
)

var ErrNotExport = errors.New("not a data flash export")

// WriteExport writes subclasses in the flat tab-delimited format.
func WriteExport(w io.Writer, subclasses []*Subclass) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, ExportMarker)
	fmt.Fprintln(bw, ExportHeader)
	for _, s := range subclasses {
		fields := make([]string, 0, 2+s.Len())
		fields = append(fields, strconv.Itoa(s.ID), strconv.Itoa(s.Len()))
		for _, b := range s.Data() {
			fields = append(fields, strconv.Itoa(int(b)))
		}
		fmt.Fprintln(bw, strings.Join(fields, "\t"))
	}
	return bw.Flush()
}

// SaveExport writes the image to path.
func SaveExport(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", err)
	}
	if err := WriteExport(f, img.Subclasses()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadExport reads an image written by WriteExport.
func ReadExport(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read marker: %w", err)
		}
		return nil, fmt.Errorf("%w: empty file", ErrNotExport)
	}
	if strings.TrimSpace(scanner.Text()) != ExportMarker {
		return nil, fmt.Errorf("%w: missing marker line", ErrNotExport)
	}
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != ExportHeader {
		return nil, fmt.Errorf("%w: missing header line", ErrNotExport)
	}

	img := NewImage()
	lineNum := 2
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s, err := parseExportLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		img.Put(s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return img, nil
}

// LoadExport reads an export from path.
func LoadExport(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ReadExport(f)
}

func parseExportLine(line string) (*Subclass, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, fmt.Errorf("expected subclass ID and length, got %d fields", len(fields))
	}
	id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid subclass ID %q", fields[0])
	}
	length, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid length %q", fields[1])
	}
	data := fields[2:]
	if len(data) != length {
		return nil, fmt.Errorf("subclass %d: length %d but %d data bytes", id, length, len(data))
	}
	buf := make([]byte, length)
	for i, f := range data {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("subclass %d byte %d: invalid value %q", id, i, f)
		}
		buf[i] = byte(v)
	}
	return SubclassOf(id, buf), nil
}
