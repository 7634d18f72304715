package signingblock

import (
	"errors"
	"io"
)

type dataSource interface {
	chunkCount() int64
	length() int64
	writeTo(w io.Writer, offset, size int64) error
}

type dataSourceFile struct {
	file       io.ReaderAt
	start, end int64
}

func (se *dataSourceFile) chunkCount() int64 {
	return (se.end - se.start + maxChunkSize - 1) / maxChunkSize
}

func (se *dataSourceFile) writeTo(w io.Writer, offset, size int64) error {
	if offset > se.end-se.start {
		return errors.New("out of bounds offset")
	} else if size > se.end-se.start || offset+size > se.end-se.start {
		return errors.New("out of bounds size")
	}

	n, err := io.Copy(w, io.NewSectionReader(se.file, se.start+offset, size))
	if err == nil && n != size {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (se *dataSourceFile) length() int64 {
	return se.end - se.start
}

type dataSourceBytes struct {
	data []byte
}

func (se *dataSourceBytes) chunkCount() int64 {
	return (int64(len(se.data)) + maxChunkSize - 1) / maxChunkSize
}

func (se *dataSourceBytes) writeTo(w io.Writer, offset, size int64) error {
	if offset >= int64(len(se.data)) {
		return errors.New("out of bounds offset")
	} else if size > int64(len(se.data)) || offset+size > int64(len(se.data)) {
		return errors.New("out of bounds size")
	}
	_, err := w.Write(se.data[offset : offset+size])
	return err
}

func (se *dataSourceBytes) length() int64 {
	return int64(len(se.data))
}
