package metrics

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	cpu   time.Duration
	rss   uint64
	total uint64
	cores int
	err   error
}

func (f *fakeProbe) CPUTime(int) (time.Duration, error) { return f.cpu, f.err }
func (f *fakeProbe) RSS(int) (uint64, error)            { return f.rss, f.err }
func (f *fakeProbe) TotalMemory() (uint64, error)       { return f.total, nil }
func (f *fakeProbe) NumCPU() int                        { return f.cores }

func TestSampleFirstReadingPrimes(t *testing.T) {
	p := &fakeProbe{cpu: 10 * time.Second, rss: 1 << 30, total: 16 << 30, cores: 4}
	s := NewResourceSampler(p)
	now := time.Unix(1_700_000_000, 0)

	first := s.Sample(42, now)
	assert.True(t, first.Valid)
	assert.Equal(t, 0.0, first.CPUPercent)
	assert.Equal(t, uint64(1<<30), first.RSSBytes)

	// 2s of CPU over 1s wall on 4 cores = 50%
	p.cpu += 2 * time.Second
	second := s.Sample(42, now.Add(time.Second))
	assert.InDelta(t, 50.0, second.CPUPercent, 0.001)
}

func TestSampleNewPIDResetsBaseline(t *testing.T) {
	p := &fakeProbe{cpu: time.Second, cores: 1, total: 1}
	s := NewResourceSampler(p)
	now := time.Now()
	s.Sample(1, now)
	p.cpu = 100 * time.Second
	got := s.Sample(2, now.Add(time.Second))
	assert.Equal(t, 0.0, got.CPUPercent)
	assert.True(t, got.Valid)
}

func TestSampleClampsPercent(t *testing.T) {
	p := &fakeProbe{cpu: 0, cores: 1, total: 1}
	s := NewResourceSampler(p)
	now := time.Now()
	s.Sample(7, now)
	p.cpu = 10 * time.Second
	assert.Equal(t, 100.0, s.Sample(7, now.Add(time.Second)).CPUPercent)
	p.cpu = time.Second
	assert.Equal(t, 0.0, s.Sample(7, now.Add(2*time.Second)).CPUPercent)
}

func TestSampleInvalidInputs(t *testing.T) {
	s := NewResourceSampler(&fakeProbe{err: errors.New("gone"), cores: 1})
	assert.False(t, s.Sample(0, time.Now()).Valid)
	assert.False(t, s.Sample(-3, time.Now()).Valid)
	got := s.Sample(99, time.Now())
	assert.False(t, got.Valid)
	assert.Equal(t, "CPU: --   RAM: --", got.Display())
}

func TestSampleDisplay(t *testing.T) {
	got := ResourceSample{CPUPercent: 37.4, RSSBytes: 1 << 30, TotalBytes: 16 << 30, Valid: true}.Display()
	assert.Equal(t, "CPU: 37%   RAM: 1.0 GiB / 16 GiB", got)
}

func TestSystemProbeReadsOwnProcess(t *testing.T) {
	p := NewSystemProbe()
	require.GreaterOrEqual(t, p.NumCPU(), 1)
	_, err := p.CPUTime(os.Getpid())
	require.NoError(t, err)
	rss, err := p.RSS(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
	total, err := p.TotalMemory()
	require.NoError(t, err)
	assert.Greater(t, total, rss)
}
