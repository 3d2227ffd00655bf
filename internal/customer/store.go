// Package customer reads customer records from a line-delimited JSON file.
package customer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/kalambet/salesmail/internal/document"
)

var (
	// ErrNotFound is returned when no record has the requested account name.
	ErrNotFound = errors.New("customer not found")
	// ErrSourceUnavailable is returned when the data file does not exist.
	ErrSourceUnavailable = errors.New("customer data source unavailable")
	// ErrMalformed is returned when a line of the data file is not a JSON
	// object.
	ErrMalformed = errors.New("malformed customer data")
)

const maxLineSize = 10 << 20

// Record is one customer line. Raw keeps the original bytes for API output;
// Data keeps the decoded sections in file order.
type Record struct {
	Name string
	Raw  json.RawMessage
	Data document.Value
}

// Documents formats each top-level section of the record.
func (r Record) Documents() []document.Document {
	return document.Sections(r.Name, r.Data)
}

// Store looks customers up by account name. The file is read on every call,
// so edits to it are visible immediately.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the data file location.
func (s *Store) Path() string {
	return s.path
}

// Lookup returns the first record whose account.name equals name.
func (s *Store) Lookup(name string) (Record, error) {
	records, err := s.List()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.Name == name {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Names returns all account names sorted ascending.
func (s *Store) Names() ([]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names, nil
}

// List returns every record in file order.
func (s *Store) List() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, s.path)
		}
		return nil, fmt.Errorf("opening customer data: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}

// ReadRecords decodes line-delimited records from r. Blank lines are skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []Record
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		data, err := document.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		var name string
		if v, ok := data.Lookup("account", "name"); ok {
			name = v.Text
		}
		records = append(records, Record{
			Name: name,
			Raw:  json.RawMessage(bytes.Clone(raw)),
			Data: data,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading customer data: %w", err)
	}
	return records, nil
}
