package clusterfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/absfs/absfs"
)

// ioMaxRetry bounds how often a lower-file call may come back with a
// transient interrupt or a short transfer before the operation is treated
// as a terminal I/O failure.
const ioMaxRetry = 10

// Filer is the lower filesystem the engine stores cluster files on. Any
// absfs filesystem satisfies it.
type Filer interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

func transient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// lowerRead reads exactly len(buf) bytes at pos. It retries transient
// interrupts and short reads up to the retry ceiling and otherwise returns
// a terminal error; callers never see a silent short count.
func lowerRead(f absfs.File, buf []byte, pos int64) error {
	read, retry := 0, 0
	for read < len(buf) {
		n, err := f.ReadAt(buf[read:], pos+int64(read))
		read += n
		if err != nil {
			if transient(err) {
				if retry++; retry > ioMaxRetry {
					return fmt.Errorf("%w: read %s: too many retries", ErrLowerIO, f.Name())
				}
				continue
			}
			if errors.Is(err, io.EOF) && read < len(buf) {
				return fmt.Errorf("%w: read %s: unexpected end at %d of %d bytes",
					ErrLowerIO, f.Name(), read, len(buf))
			}
			if read < len(buf) {
				return fmt.Errorf("%w: read %s: %w", ErrLowerIO, f.Name(), err)
			}
		}
		if n == 0 && err == nil {
			if retry++; retry > ioMaxRetry {
				return fmt.Errorf("%w: read %s: too many retries", ErrLowerIO, f.Name())
			}
		}
	}
	return nil
}

// lowerWrite writes exactly len(buf) bytes at pos under the same
// bounded-retry contract as lowerRead.
func lowerWrite(f absfs.File, buf []byte, pos int64) error {
	written, retry := 0, 0
	for written < len(buf) {
		n, err := f.WriteAt(buf[written:], pos+int64(written))
		written += n
		if err != nil {
			if transient(err) {
				if retry++; retry > ioMaxRetry {
					return fmt.Errorf("%w: write %s: too many retries", ErrLowerIO, f.Name())
				}
				continue
			}
			return fmt.Errorf("%w: write %s: %w", ErrLowerIO, f.Name(), err)
		}
		if n == 0 {
			if retry++; retry > ioMaxRetry {
				return fmt.Errorf("%w: write %s: too many retries", ErrLowerIO, f.Name())
			}
		}
	}
	return nil
}
