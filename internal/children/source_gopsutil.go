package children

import (
	"context"
	"errors"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// gopsutilSource lists children through gopsutil. It is the portable fallback
// for platforms without a native source.
type gopsutilSource struct{}

// PortableSource returns the gopsutil-backed Source.
func PortableSource() Source { return gopsutilSource{} }

func (gopsutilSource) Fill(pid int, buf []int) (int, error) {
	ctx := context.Background()
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return 0, ErrNotFound
		}
		//nolint:staticcheck // still returned by the pgrep-based BSD implementations
		if errors.Is(err, gopsproc.ErrorNoChildren) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, k := range kids {
		if n == len(buf) {
			break
		}
		buf[n] = int(k.Pid)
		n++
	}
	return n, nil
}
