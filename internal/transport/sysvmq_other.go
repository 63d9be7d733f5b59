//go:build !(linux && (amd64 || arm64 || arm || riscv64))

package transport

import (
	"context"
	"fmt"
)

type Queue struct{}

func OpenQueue(key, mtype int) (*Queue, error) {
	return nil, fmt.Errorf("sysvmq: not supported on this platform")
}

func (q *Queue) Send(ctx context.Context, payload []byte) error {
	return fmt.Errorf("sysvmq: not supported on this platform")
}

func (q *Queue) Close() error { return nil }
