package decompress

import (
	"bytes"
	"io"
	"os"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Format is a detected archive container format.
type Format int

const (
	// FormatRaw means no known compression signature: the file is
	// treated as an uncompressed image and passed through.
	FormatRaw Format = iota
	FormatGzip
	FormatXZ
	FormatZstd
	FormatBzip2
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatXZ:
		return "xz"
	case FormatZstd:
		return "zstd"
	case FormatBzip2:
		return "bzip2"
	default:
		return "raw"
	}
}

var signatures = []struct {
	magic  []byte
	format Format
}{
	{[]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, FormatXZ},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, FormatZstd},
	{[]byte{0x1f, 0x8b}, FormatGzip},
	{[]byte{'B', 'Z', 'h'}, FormatBzip2},
}

// DetectFormat sniffs the archive format from the file's signature
// bytes. Extensions are deliberately ignored: renamed or custom files
// must still decompress correctly.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatRaw, errors.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	header := make([]byte, 6)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatRaw, errors.Wrap(err, "failed to read archive header")
	}
	header = header[:n]

	for _, sig := range signatures {
		if bytes.HasPrefix(header, sig.magic) {
			return sig.format, nil
		}
	}
	return FormatRaw, nil
}
