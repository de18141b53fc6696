package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/taskfleet/taskfleet/pkg/subtask/runner"
)

// fingerprint is the system snapshot reported to the controller. Field
// presence is best-effort: probes that fail on a platform are simply omitted.
type fingerprint struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	Arch          string  `json:"arch"`
	CPUModel      string  `json:"cpu_model,omitempty"`
	CPUCount      int     `json:"cpu_count"`
	MemoryTotalMB uint64  `json:"memory_total_mb,omitempty"`
	DiskTotalGB   float64 `json:"disk_total_gb,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	SampledAt     string  `json:"sampled_at"`
}

// SystemSampler probes the local machine with gopsutil.
type SystemSampler struct{}

// Sample collects a fingerprint. Individual probe failures degrade the
// snapshot instead of failing it; only marshalling can error.
func (SystemSampler) Sample(ctx context.Context) (json.RawMessage, error) {
	fp := fingerprint{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUCount:  runtime.NumCPU(),
		SampledAt: time.Now().UTC().Format(time.RFC3339),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		fp.Hostname = info.Hostname
		fp.Platform = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		fp.KernelVersion = info.KernelVersion
		fp.UptimeSeconds = info.Uptime
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		fp.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fp.MemoryTotalMB = vm.Total / (1024 * 1024)
	}
	if usage, err := disk.UsageWithContext(ctx, rootMount()); err == nil {
		fp.DiskTotalGB = float64(usage.Total) / (1024 * 1024 * 1024)
	}

	raw, err := json.Marshal(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fingerprint: %w", err)
	}
	return raw, nil
}

func rootMount() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// SamplerHolder is a swappable sampler, so tests and the CLI can replace the
// system prober without rebuilding the executor.
type SamplerHolder struct {
	mu      sync.RWMutex
	sampler runner.Sampler
}

// NewSamplerHolder wraps an initial sampler.
func NewSamplerHolder(s runner.Sampler) *SamplerHolder {
	return &SamplerHolder{sampler: s}
}

// Sample delegates to the current sampler.
func (h *SamplerHolder) Sample(ctx context.Context) (json.RawMessage, error) {
	h.mu.RLock()
	s := h.sampler
	h.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("no sampler installed")
	}
	return s.Sample(ctx)
}

// Swap replaces the active sampler.
func (h *SamplerHolder) Swap(s runner.Sampler) {
	h.mu.Lock()
	h.sampler = s
	h.mu.Unlock()
}
