package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/errors"
)

// WriteJSON encodes records as an indented JSON array.
func WriteJSON(w io.Writer, records []ballistics.ResultRecord) error {
	if records == nil {
		records = []ballistics.ResultRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// SaveJSON writes records to path, creating parent directories.
func SaveJSON(path string, records []ballistics.ResultRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory").WithOperation("SaveJSON").WithComponent(errors.ComponentReport)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path).WithOperation("SaveJSON").WithComponent(errors.ComponentReport)
	}
	defer f.Close()

	if err := WriteJSON(f, records); err != nil {
		return errors.Wrap(err, "encode records").WithOperation("SaveJSON").WithComponent(errors.ComponentReport)
	}
	return f.Close()
}

// LoadJSON reads records written by SaveJSON.
func LoadJSON(path string) ([]ballistics.ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path).WithOperation("LoadJSON").WithComponent(errors.ComponentReport)
	}
	var records []ballistics.ResultRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "decode records").WithOperation("LoadJSON").WithComponent(errors.ComponentReport)
	}
	return records, nil
}
