package handshake

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// retryReader 在 EINTR 和 EAGAIN 时重新读取
type retryReader struct {
	io.Reader
}

func (r retryReader) Read(p []byte) (int, error) {
	for {
		n, err := r.Reader.Read(p)
		if err != nil && (errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)) {
			continue
		}
		return n, err
	}
}

// retryWriter 在 EINTR 和 EAGAIN 时继续写完剩余的数据
type retryWriter struct {
	io.Writer
}

func (w retryWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Writer.Write(p[written:])
		written += n
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
