package era5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

type format int

const (
	formatNetCDF format = iota
	formatZip
)

var (
	magicCDF  = []byte("CDF")
	magicHDF5 = []byte("\x89HDF\r\n\x1a\n")
	magicZip  = []byte("PK\x03\x04")
)

// CheckFormat reports an error unless the file at filePath starts like a
// NetCDF (classic or HDF5) file or a zip archive, the layouts ReadFile
// accepts. It only looks at the first bytes.
func CheckFormat(filePath string) error {
	_, err := sniff(filePath)
	return err
}

func sniff(filePath string) (format, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, len(magicHDF5))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("read %s: %w", filePath, err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, magicZip):
		return formatZip, nil
	case bytes.HasPrefix(head, magicCDF), bytes.HasPrefix(head, magicHDF5):
		return formatNetCDF, nil
	}
	return 0, fmt.Errorf("%s: not a NetCDF file or zip archive (starts with %q)", filePath, head)
}
