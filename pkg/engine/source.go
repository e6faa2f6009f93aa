package engine

import (
	"bufio"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/umputun/qbridge/pkg/options"
)

// sourceFile is a data file of a table, parts holds partition values
// in the order of the declared partition columns
type sourceFile struct {
	path  string
	parts []string
}

// listFiles returns data files of a table at path. A single file must have the extension,
// a directory is scanned recursively for files with it, hive style directories (col=value)
// provide values of partition columns.
func listFiles(path, ext string, partCols []options.PartitionColumn) ([]sourceFile, error) {
	if fileutils.IsFile(path) {
		if !strings.HasSuffix(path, ext) {
			return nil, fmt.Errorf("file %s doesn't have the expected extension %q", path, ext)
		}
		if len(partCols) > 0 {
			return nil, fmt.Errorf("partition columns need a directory, %s is a file", path)
		}
		return []sourceFile{{path: path}}, nil
	}
	if !fileutils.IsDir(path) {
		return nil, fmt.Errorf("can't access %s: %w", path, os.ErrNotExist)
	}

	all, err := fileutils.ListFiles(path)
	if err != nil {
		return nil, fmt.Errorf("can't list files in %s: %w", path, err)
	}
	sort.Strings(all)

	res := []sourceFile{}
	for _, f := range all {
		if !strings.HasSuffix(f, ext) || hiddenPath(path, f) {
			continue
		}
		sf := sourceFile{path: f}
		if len(partCols) > 0 {
			if sf.parts, err = partitionValues(path, f, partCols); err != nil {
				return nil, err
			}
		}
		res = append(res, sf)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no files with extension %q in %s", ext, path)
	}
	return res, nil
}

// hiddenPath reports if any element of file relative to root starts with "." or "_"
func hiddenPath(root, file string) bool {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return false
	}
	for _, el := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(el, ".") || strings.HasPrefix(el, "_") {
			return true
		}
	}
	return false
}

func partitionValues(root, file string, partCols []options.PartitionColumn) ([]string, error) {
	rel, err := filepath.Rel(root, filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("can't get relative path of %s: %w", file, err)
	}
	found := map[string]string{}
	for _, el := range strings.Split(filepath.ToSlash(rel), "/") {
		if k, v, ok := strings.Cut(el, "="); ok {
			found[k] = v
		}
	}
	res := make([]string, len(partCols))
	for i, pc := range partCols {
		v, ok := found[pc.Name]
		if !ok {
			return nil, fmt.Errorf("file %s has no value for partition column %s", file, pc.Name)
		}
		res[i] = v
	}
	return res, nil
}

// openSource opens a data file and wraps it with the decompressor
func openSource(path string, c options.Compression) (io.ReadCloser, error) {
	fh, err := os.Open(path) //nolint:gosec // path is provided by the caller
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", path, err)
	}
	rd, err := decompress(bufio.NewReader(fh), c)
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("can't read %s compressed %s: %w", c, path, err)
	}
	return &readCloser{Reader: rd, close: fh.Close}, nil
}

func decompress(r io.Reader, c options.Compression) (io.Reader, error) {
	switch c {
	case options.CompressionNone:
		return r, nil
	case options.CompressionGzip:
		return pgzip.NewReader(r)
	case options.CompressionBzip2:
		return bzip2.NewReader(r), nil
	case options.CompressionXz:
		return xz.NewReader(r)
	case options.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

// compressWriter wraps w with the compressor, closing the result flushes it but leaves w open
func compressWriter(w io.Writer, c options.Compression) (io.WriteCloser, error) {
	switch c {
	case options.CompressionNone:
		return nopWriteCloser{w}, nil
	case options.CompressionGzip:
		return pgzip.NewWriter(w), nil
	case options.CompressionXz:
		return xz.NewWriter(w)
	case options.CompressionZstd:
		return zstd.NewWriter(w)
	case options.CompressionBzip2:
		return nil, errors.New("bzip2 compression is supported for reading only")
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return r.close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
