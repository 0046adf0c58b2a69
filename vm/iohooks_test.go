package vm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHostIOFileLifecycle(t *testing.T) {
	h := NewHostIO(t.TempDir())

	handle, err := h.File(FileOpen, [3]uint64{0, 0, fileFlagWrite | fileFlagCreate}, []byte("out.txt"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := []byte("hello from the guest")
	n, err := h.File(FileWrite, [3]uint64{handle}, payload)
	if err != nil || n != uint64(len(payload)) {
		t.Fatalf("write = (%d, %v), want %d bytes", n, err, len(payload))
	}

	if _, err := h.File(FileSeek, [3]uint64{handle, 0, 0}, nil); err != nil {
		t.Fatalf("seek: %v", err)
	}
	back := make([]byte, len(payload))
	n, err = h.File(FileRead, [3]uint64{handle}, back)
	if err != nil || n != uint64(len(payload)) || string(back) != string(payload) {
		t.Fatalf("read = (%d, %q, %v)", n, back, err)
	}

	if _, err := h.File(FileClose, [3]uint64{handle}, nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.File(FileRead, [3]uint64{handle}, back); err == nil {
		t.Error("read on a closed handle succeeded")
	}

	size, err := h.File(FileStat, [3]uint64{}, []byte("out.txt"))
	if err != nil || size != uint64(len(payload)) {
		t.Errorf("stat = (%d, %v), want size %d", size, err, len(payload))
	}

	if _, err := h.File(FileDelete, [3]uint64{}, []byte("out.txt")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.File(FileStat, [3]uint64{}, []byte("out.txt")); err == nil {
		t.Error("stat succeeded after delete")
	}
}

func TestHostIOPathsStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	h := NewHostIO(root)

	if _, err := h.File(FileMkdir, [3]uint64{}, []byte("sub/dir")); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "dir")); err != nil {
		t.Errorf("directory not created under root: %v", err)
	}

	escapes := [][]byte{
		[]byte("../intruder"),
		[]byte("sub/../../intruder"),
		[]byte(".."),
	}
	for _, guest := range escapes {
		if _, err := h.File(FileOpen, [3]uint64{0, 0, fileFlagWrite | fileFlagCreate}, guest); err == nil {
			t.Errorf("open %q escaped the root", guest)
		}
		if _, err := h.File(FileMkdir, [3]uint64{}, guest); err == nil {
			t.Errorf("mkdir %q escaped the root", guest)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "intruder")); !os.IsNotExist(err) {
		t.Errorf("escape attempt left %q outside the root", "intruder")
	}

	// Absolute guest paths resolve inside the root too.
	if _, err := h.File(FileMkdir, [3]uint64{}, []byte("/abs")); err != nil {
		t.Fatalf("mkdir absolute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "abs")); err != nil {
		t.Errorf("absolute path not rooted: %v", err)
	}
}

func TestHostIONetLoopback(t *testing.T) {
	h := NewHostIO("")

	lh, err := h.Net(NetListen, [3]uint64{}, []byte("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l, ok := h.listeners.get(lh)
	if !ok {
		t.Fatal("listener handle not registered")
	}
	addr := l.Addr().String()

	type acceptResult struct {
		handle uint64
		err    error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		handle, err := h.Net(NetAccept, [3]uint64{lh}, nil)
		acceptCh <- acceptResult{handle, err}
	}()

	ch, err := h.Net(NetConnect, [3]uint64{}, []byte(addr))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	acc := <-acceptCh
	if acc.err != nil {
		t.Fatalf("accept: %v", acc.err)
	}

	if err := h.NetSetopt(ch, NetOptNoDelay, 1); err != nil {
		t.Errorf("setopt nodelay: %v", err)
	}

	msg := []byte("ping")
	if n, err := h.Net(NetSend, [3]uint64{ch}, msg); err != nil || n != uint64(len(msg)) {
		t.Fatalf("send = (%d, %v)", n, err)
	}
	back := make([]byte, len(msg))
	if n, err := h.Net(NetRecv, [3]uint64{acc.handle}, back); err != nil || n != uint64(len(msg)) {
		t.Fatalf("recv = (%d, %v)", n, err)
	}
	if string(back) != "ping" {
		t.Errorf("recv payload = %q", back)
	}

	for _, handle := range []uint64{ch, acc.handle, lh} {
		if _, err := h.Net(NetClose, [3]uint64{handle}, nil); err != nil {
			t.Errorf("close handle %d: %v", handle, err)
		}
	}
}

func TestHostIONetSetoptRequiresTCP(t *testing.T) {
	h := NewHostIO("")
	sock, err := h.Net(NetSocket, [3]uint64{}, nil)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := h.NetSetopt(sock, NetOptNoDelay, 1); err == nil {
		t.Error("setopt on an unconnected socket slot succeeded")
	}
}

func TestStubIODeniesEverything(t *testing.T) {
	var s StubIO
	if _, err := s.File(FileOpen, [3]uint64{}, nil); err != ErrIOUnavailable {
		t.Errorf("File err = %v", err)
	}
	if _, err := s.Net(NetConnect, [3]uint64{}, nil); err != ErrIOUnavailable {
		t.Errorf("Net err = %v", err)
	}
	if err := s.NetSetopt(0, NetOptNoDelay, 0); err != ErrIOUnavailable {
		t.Errorf("NetSetopt err = %v", err)
	}
}
