package vm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// I/O hooks
// ---------------------------------------------------------------------------

// ErrIOUnavailable is returned by StubIO for every operation.
var ErrIOUnavailable = errors.New("io unavailable in this machine")

// IOHooks backs the file and network opcode families. Failures surface
// to the guest as the all-ones sentinel in the destination register, not
// as traps; the sandbox policy lives entirely behind this interface.
//
// args holds the scalar operands (rs1, rs2, immediate); buf, when the
// operation addresses guest memory, is the already bounds-checked window
// of linear memory.
type IOHooks interface {
	File(op FileOp, args [3]uint64, buf []byte) (uint64, error)
	Net(op NetOp, args [3]uint64, buf []byte) (uint64, error)
	NetSetopt(sock uint64, opt NetOption, value uint64) error
}

// StubIO denies all file and network operations. It is the default, so a
// machine never touches the host unless explicitly configured to.
type StubIO struct{}

func (StubIO) File(FileOp, [3]uint64, []byte) (uint64, error) { return 0, ErrIOUnavailable }
func (StubIO) Net(NetOp, [3]uint64, []byte) (uint64, error)   { return 0, ErrIOUnavailable }
func (StubIO) NetSetopt(uint64, NetOption, uint64) error      { return ErrIOUnavailable }

// ---------------------------------------------------------------------------
// Host-backed hooks
// ---------------------------------------------------------------------------

// HostIO implements IOHooks on the host filesystem and network stack.
// Guest handles map to host resources through locked tables shared by
// all tasks.
type HostIO struct {
	// Root, when non-empty, confines every guest path: paths resolve
	// inside it and attempts to climb out fail.
	Root string

	files     *handleTable[*os.File]
	conns     *handleTable[net.Conn]
	listeners *handleTable[net.Listener]
}

// NewHostIO builds host-backed hooks rooted at root ("" for no prefix).
func NewHostIO(root string) *HostIO {
	return &HostIO{
		Root:      root,
		files:     newHandleTable[*os.File](),
		conns:     newHandleTable[net.Conn](),
		listeners: newHandleTable[net.Listener](),
	}
}

// path maps a guest path into the root. The joined path is cleaned and
// must stay inside Root, so "../" sequences cannot reach the rest of the
// host filesystem.
func (h *HostIO) path(buf []byte) (string, error) {
	if h.Root == "" {
		return string(buf), nil
	}
	root := filepath.Clean(h.Root)
	p := filepath.Join(root, string(buf))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the io root", buf)
	}
	return p, nil
}

// File open flag bits in the guest ABI.
const (
	fileFlagWrite  = 1 << 0
	fileFlagCreate = 1 << 1
	fileFlagTrunc  = 1 << 2
	fileFlagAppend = 1 << 3
)

func (h *HostIO) File(op FileOp, args [3]uint64, buf []byte) (uint64, error) {
	switch op {
	case FileOpen:
		flags := os.O_RDONLY
		if args[2]&fileFlagWrite != 0 {
			flags = os.O_RDWR
		}
		if args[2]&fileFlagCreate != 0 {
			flags |= os.O_CREATE
		}
		if args[2]&fileFlagTrunc != 0 {
			flags |= os.O_TRUNC
		}
		if args[2]&fileFlagAppend != 0 {
			flags |= os.O_APPEND
		}
		name, err := h.path(buf)
		if err != nil {
			return 0, err
		}
		f, err := os.OpenFile(name, flags, 0o644)
		if err != nil {
			return 0, err
		}
		return h.files.put(f), nil

	case FileRead:
		f, ok := h.files.get(args[0])
		if !ok {
			return 0, fmt.Errorf("file read: bad handle %d", args[0])
		}
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			return 0, err
		}
		return uint64(n), nil

	case FileWrite:
		f, ok := h.files.get(args[0])
		if !ok {
			return 0, fmt.Errorf("file write: bad handle %d", args[0])
		}
		n, err := f.Write(buf)
		return uint64(n), err

	case FileClose:
		f, ok := h.files.drop(args[0])
		if !ok {
			return 0, fmt.Errorf("file close: bad handle %d", args[0])
		}
		return 0, f.Close()

	case FileSeek:
		f, ok := h.files.get(args[0])
		if !ok {
			return 0, fmt.Errorf("file seek: bad handle %d", args[0])
		}
		pos, err := f.Seek(int64(args[1]), int(args[2]))
		return uint64(pos), err

	case FileStat:
		name, err := h.path(buf)
		if err != nil {
			return 0, err
		}
		info, err := os.Stat(name)
		if err != nil {
			return 0, err
		}
		return uint64(info.Size()), nil

	case FileMkdir:
		name, err := h.path(buf)
		if err != nil {
			return 0, err
		}
		return 0, os.MkdirAll(name, 0o755)

	case FileDelete:
		name, err := h.path(buf)
		if err != nil {
			return 0, err
		}
		return 0, os.Remove(name)

	default:
		return 0, fmt.Errorf("file op %d unimplemented", op)
	}
}

func (h *HostIO) Net(op NetOp, args [3]uint64, buf []byte) (uint64, error) {
	switch op {
	case NetSocket:
		// Sockets are created lazily at connect/bind time; the handle
		// returned here only names the eventual connection slot.
		return h.conns.put(nil), nil

	case NetConnect:
		conn, err := net.DialTimeout("tcp", string(buf), 30*time.Second)
		if err != nil {
			return 0, err
		}
		return h.conns.put(conn), nil

	case NetBind, NetListen:
		l, err := net.Listen("tcp", string(buf))
		if err != nil {
			return 0, err
		}
		return h.listeners.put(l), nil

	case NetAccept:
		l, ok := h.listeners.get(args[0])
		if !ok {
			return 0, fmt.Errorf("net accept: bad handle %d", args[0])
		}
		conn, err := l.Accept()
		if err != nil {
			return 0, err
		}
		return h.conns.put(conn), nil

	case NetSend:
		conn, ok := h.conns.get(args[0])
		if !ok || conn == nil {
			return 0, fmt.Errorf("net send: bad handle %d", args[0])
		}
		n, err := conn.Write(buf)
		return uint64(n), err

	case NetRecv:
		conn, ok := h.conns.get(args[0])
		if !ok || conn == nil {
			return 0, fmt.Errorf("net recv: bad handle %d", args[0])
		}
		n, err := conn.Read(buf)
		if err != nil && err != io.EOF {
			return 0, err
		}
		return uint64(n), nil

	case NetClose:
		if conn, ok := h.conns.drop(args[0]); ok {
			if conn == nil {
				return 0, nil
			}
			return 0, conn.Close()
		}
		if l, ok := h.listeners.drop(args[0]); ok {
			return 0, l.Close()
		}
		return 0, fmt.Errorf("net close: bad handle %d", args[0])

	default:
		return 0, fmt.Errorf("net op %d unimplemented", op)
	}
}

func (h *HostIO) NetSetopt(sock uint64, opt NetOption, value uint64) error {
	conn, ok := h.conns.get(sock)
	if !ok || conn == nil {
		return fmt.Errorf("net setopt: bad handle %d", sock)
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("net setopt: handle %d is not tcp", sock)
	}
	switch opt {
	case NetOptKeepalive:
		return tcp.SetKeepAlive(value != 0)
	case NetOptNoDelay:
		return tcp.SetNoDelay(value != 0)
	case NetOptTimeoutMs:
		if value == 0 {
			return tcp.SetDeadline(time.Time{})
		}
		return tcp.SetDeadline(time.Now().Add(time.Duration(value) * time.Millisecond))
	case NetOptRecvBufSize:
		return tcp.SetReadBuffer(int(value))
	case NetOptSendBufSize:
		return tcp.SetWriteBuffer(int(value))
	case NetOptLinger:
		return tcp.SetLinger(int(int64(value)))
	case NetOptNonblock, NetOptReuseAddr:
		// Accepted and ignored; the Go runtime manages both.
		return nil
	default:
		return fmt.Errorf("net setopt: option %d unimplemented", opt)
	}
}
