//go:build linux && (amd64 || arm64 || arm || riscv64)

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// queueRetry is the poll period while a full queue drains.
const queueRetry = time.Millisecond

// Queue sends each payload as one System V IPC message, the channel the
// WAVE stack's message handler reads from.
type Queue struct {
	key   int
	id    int
	mtype int
	buf   []byte
}

// OpenQueue attaches to (creating if needed) the message queue for key.
// mtype must be positive.
func OpenQueue(key, mtype int) (*Queue, error) {
	if mtype <= 0 {
		return nil, fmt.Errorf("sysvmq: mtype must be > 0, got %d", mtype)
	}
	id, _, errno := unix.Syscall(unix.SYS_MSGGET, uintptr(key), uintptr(unix.IPC_CREAT|0o666), 0)
	if errno != 0 {
		return nil, fmt.Errorf("sysvmq: msgget key=%#x: %w", key, errno)
	}
	return &Queue{key: key, id: int(id), mtype: mtype}, nil
}

// Send enqueues payload without blocking in the kernel. While the queue is
// full it retries until ctx ends.
func (q *Queue) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	// struct msgbuf { long mtype; char mtext[]; }; long is word sized.
	hdr := int(unsafe.Sizeof(uintptr(0)))
	if cap(q.buf) < hdr+len(payload) {
		q.buf = make([]byte, hdr+len(payload))
	}
	buf := q.buf[:hdr+len(payload)]
	*(*uintptr)(unsafe.Pointer(&buf[0])) = uintptr(q.mtype)
	copy(buf[hdr:], payload)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sysvmq: queue full: %w", err)
		}
		_, _, errno := unix.Syscall6(unix.SYS_MSGSND, uintptr(q.id), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(payload)), uintptr(unix.IPC_NOWAIT), 0, 0)
		switch {
		case errno == 0:
			return nil
		case errors.Is(errno, unix.EAGAIN), errors.Is(errno, unix.EINTR):
		default:
			return fmt.Errorf("sysvmq: msgsnd: %w", errno)
		}
		t := time.NewTimer(queueRetry)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// receive dequeues one message of q's mtype. Used by tests and the
// loopback self-check.
func (q *Queue) receive(max int) ([]byte, error) {
	hdr := int(unsafe.Sizeof(uintptr(0)))
	buf := make([]byte, hdr+max)
	n, _, errno := unix.Syscall6(unix.SYS_MSGRCV, uintptr(q.id), uintptr(unsafe.Pointer(&buf[0])), uintptr(max), uintptr(q.mtype), uintptr(unix.IPC_NOWAIT), 0)
	if errno != 0 {
		return nil, fmt.Errorf("sysvmq: msgrcv: %w", errno)
	}
	return buf[hdr : hdr+int(n)], nil
}

// remove deletes the queue from the system.
func (q *Queue) remove() error {
	_, _, errno := unix.Syscall(unix.SYS_MSGCTL, uintptr(q.id), uintptr(unix.IPC_RMID), 0)
	if errno != 0 {
		return fmt.Errorf("sysvmq: msgctl IPC_RMID: %w", errno)
	}
	return nil
}

// Close detaches. The queue itself outlives the process so the reader keeps
// its handle.
func (q *Queue) Close() error {
	return nil
}

func (q *Queue) String() string {
	return fmt.Sprintf("sysvmq://%#x?mtype=%d", q.key, q.mtype)
}
