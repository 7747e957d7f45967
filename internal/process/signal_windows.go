//go:build windows

package process

import (
	"context"
	"errors"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// killTree terminates pid and every descendant, children first.
func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	root, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return killDescendants(ctx, root)
}

func killDescendants(ctx context.Context, p *gproc.Process) error {
	children, _ := p.ChildrenWithContext(ctx)
	for _, c := range children {
		_ = killDescendants(ctx, c)
	}
	if err := p.KillWithContext(ctx); err != nil {
		if ok, _ := p.IsRunningWithContext(ctx); !ok {
			return nil
		}
		return err
	}
	return nil
}
