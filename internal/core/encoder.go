package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrEncoding = errors.New("attachment encoding failed")

// File is a binary attachment that can be opened for reading.
type File interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type bytesFile struct {
	name string
	data []byte
}

func (f bytesFile) Name() string { return f.name }

func (f bytesFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// BytesFile wraps in-memory content as a File.
func BytesFile(name string, data []byte) File {
	return bytesFile{name: name, data: data}
}

type pathFile string

func (p pathFile) Name() string { return filepath.Base(string(p)) }

func (p pathFile) Open() (io.ReadCloser, error) { return os.Open(string(p)) }

// PathFile reads the attachment from disk when it is encoded.
func PathFile(path string) File {
	return pathFile(path)
}

// OpenerFile adapts anything with an Open method, multipart file headers for
// instance.
func OpenerFile[R io.ReadCloser](name string, open func() (R, error)) File {
	return openerFile{name: name, open: func() (io.ReadCloser, error) { return open() }}
}

type openerFile struct {
	name string
	open func() (io.ReadCloser, error)
}

func (f openerFile) Name() string { return f.name }

func (f openerFile) Open() (io.ReadCloser, error) { return f.open() }

// EncodeAttachment returns the standard base64 form of the file content,
// without any data-URI prefix.
func EncodeAttachment(f File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", errors.Wrapf(ErrEncoding, "open %s: %v", f.Name(), err)
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	if _, err := io.Copy(enc, rc); err != nil {
		return "", errors.Wrapf(ErrEncoding, "read %s: %v", f.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return "", errors.Wrapf(ErrEncoding, "encode %s: %v", f.Name(), err)
	}
	return buf.String(), nil
}

// EncodeAttachments encodes files concurrently. The result keeps the input
// order; the first failure aborts the whole batch.
func EncodeAttachments(ctx context.Context, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	encoded := make([]string, len(files))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for i, f := range files {
		i, f := i, f
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := EncodeAttachment(f)
			if err != nil {
				return err
			}
			encoded[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return encoded, nil
}
