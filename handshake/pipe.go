package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// Proceed 是握手管道上唯一表示成功的字节
	Proceed byte = '0'
)

// ErrAborted 表示对端已经失败，错误已经由对端报告过，不需要再打印
var ErrAborted = errors.New("peer aborted the handshake")

// Token 只能由 Receiver.Wait 在读到约定的字节之后构造
type Token struct {
	from string
}

// From 返回产生这个 Token 的管道名
func (t Token) From() string {
	return t.from
}

// Valid 判断 Token 是否来自一次成功的握手，零值无效
func (t Token) Valid() bool {
	return t.from != ""
}

// Pipe 创建一对握手管道，两端都带有 O_CLOEXEC
func Pipe(name string) (*Receiver, *Sender, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create %s pipe: %w", name, err)
	}
	return &Receiver{name: name, f: r}, &Sender{name: name, f: w}, nil
}

// OpenReceiver 接管继承下来的读端文件描述符
func OpenReceiver(name string, fd int) (*Receiver, error) {
	f, err := adopt(name, fd)
	if err != nil {
		return nil, err
	}
	return &Receiver{name: name, f: f}, nil
}

// OpenSender 接管继承下来的写端文件描述符
func OpenSender(name string, fd int) (*Sender, error) {
	f, err := adopt(name, fd)
	if err != nil {
		return nil, err
	}
	return &Sender{name: name, f: f}, nil
}

// adopt 把继承的 fd 重新标记为 close-on-exec，这样它不会泄漏进最终的 exec
func adopt(name string, fd int) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("no descriptor for %s pipe", name)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("fcntl "+name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Receiver 是握手管道的读端
type Receiver struct {
	name string
	f    *os.File
}

// File 返回底层文件，用来传给子进程
func (r *Receiver) File() *os.File {
	return r.f
}

// Close 关闭读端，可以重复调用
func (r *Receiver) Close() error {
	if r == nil || r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Wait 阻塞直到对端写入 Proceed，EOF、其他字节或者读错误都视为 ErrAborted
func (r *Receiver) Wait(ctx context.Context) (Token, error) {
	return r.WaitFor(ctx, Proceed)
}

// WaitFor 和 Wait 一样，但是接受由外部程序约定的字节
func (r *Receiver) WaitFor(ctx context.Context, expect byte) (Token, error) {
	return r.wait(ctx, func(b byte) bool { return b == expect })
}

// WaitAny 把任意一个字节都当作就绪，只有 EOF 和读错误表示中止
func (r *Receiver) WaitAny(ctx context.Context) (Token, error) {
	return r.wait(ctx, nil)
}

func (r *Receiver) wait(ctx context.Context, match func(byte) bool) (Token, error) {
	if r.f == nil {
		return Token{}, fmt.Errorf("%s pipe: %w", r.name, os.ErrClosed)
	}

	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var buf [1]byte
		_, err := io.ReadFull(retryReader{r.f}, buf[:])
		ch <- result{buf[0], err}
	}()

	select {
	case <-ctx.Done():
		return Token{}, fmt.Errorf("%s pipe: %w (%v)", r.name, ErrAborted, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return Token{}, fmt.Errorf("%s pipe: %w (%v)", r.name, ErrAborted, res.err)
		}
		if match != nil && !match(res.b) {
			return Token{}, fmt.Errorf("%s pipe: %w (got %q)", r.name, ErrAborted, res.b)
		}
		return Token{from: r.name}, nil
	}
}

// Sender 是握手管道的写端
type Sender struct {
	name string
	f    *os.File
}

// File 返回底层文件，用来传给子进程
func (s *Sender) File() *os.File {
	return s.f
}

// Signal 写入 Proceed 然后关闭写端，每个 Sender 只发送一次
func (s *Sender) Signal() error {
	if s.f == nil {
		return fmt.Errorf("%s pipe: %w", s.name, os.ErrClosed)
	}
	defer s.Close()
	if _, err := (retryWriter{s.f}).Write([]byte{Proceed}); err != nil {
		// 读端已经全部关闭，说明对端已经失败
		if errors.Is(err, unix.EPIPE) {
			return fmt.Errorf("%s pipe: %w (%v)", s.name, ErrAborted, err)
		}
		return fmt.Errorf("cannot write to %s pipe: %w", s.name, err)
	}
	return nil
}

// Close 关闭写端，对端会读到 EOF，可以重复调用
func (s *Sender) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Detach 去掉 close-on-exec 并放弃所有权，返回的 fd 会一直保留到最终 exec 的进程里
func (s *Sender) Detach() (int, error) {
	if s.f == nil {
		return -1, fmt.Errorf("%s pipe: %w", s.name, os.ErrClosed)
	}
	fd, err := detach(s.name, s.f)
	if err != nil {
		return -1, err
	}
	s.f = nil
	return fd, nil
}

// Detach 和 Sender.Detach 一样，用于把读端交给 exec 之后的自己
func (r *Receiver) Detach() (int, error) {
	if r.f == nil {
		return -1, fmt.Errorf("%s pipe: %w", r.name, os.ErrClosed)
	}
	fd, err := detach(r.name, r.f)
	if err != nil {
		return -1, err
	}
	r.f = nil
	return fd, nil
}

// 不关闭，只是不再持有 *os.File，避免 finalizer 关掉它
var detached []*os.File

func detach(name string, f *os.File) (int, error) {
	fd := int(f.Fd())
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
		return -1, os.NewSyscallError("fcntl "+name, err)
	}
	detached = append(detached, f)
	return fd, nil
}
