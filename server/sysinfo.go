package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/jpillora/devctl/proto"
	"github.com/shirou/gopsutil/v4/cpu"
)

// Sampler measures host CPU utilisation as a percentage.
type Sampler interface {
	CPUPercent(ctx context.Context) (float64, error)
}

// CPUSampler samples overall CPU usage with gopsutil across Interval.
type CPUSampler struct {
	Interval time.Duration
}

// DefaultSampleInterval is the default CPUSampler window.
const DefaultSampleInterval = 200 * time.Millisecond

func (c CPUSampler) CPUPercent(ctx context.Context) (float64, error) {
	d := c.Interval
	if d <= 0 {
		d = DefaultSampleInterval
	}
	p, err := cpu.PercentWithContext(ctx, d, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return p[0], nil
}

// formatCPU renders a sample as "12.3%", or "N/A" when sampling failed.
func formatCPU(p float64, err error) string {
	if err != nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f%%", p)
}

func (s *Server) systemInfo(ctx context.Context) proto.SystemInfo {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	p, err := s.sampler.CPUPercent(ctx)
	if err != nil {
		s.debugf("CPU sample failed: %s", err)
	}
	return proto.SystemInfo{
		Type:      proto.TypeSystemInfoResponse,
		Hostname:  host,
		Platform:  runtime.GOOS,
		GoVersion: runtime.Version(),
		Time:      s.now().Format(proto.TimeLayout),
		CPUUsage:  formatCPU(p, err),
	}
}
