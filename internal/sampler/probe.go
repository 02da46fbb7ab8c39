package sampler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

// maxDownloadBytes bounds the download measurement.
const maxDownloadBytes = 25 << 20

// ProbeConfig configures HTTPProbe
type ProbeConfig struct {
	ProbeURL    string
	DownloadURL string
	UploadURL   string
	Count       int
	UploadBytes int
}

// HTTPProbe measures latency, loss and throughput with plain HTTP requests
// routed through whatever tunnel the host currently uses.
type HTTPProbe struct {
	config ProbeConfig
	client *http.Client
}

// NewHTTPProbe creates an HTTP probe
func NewHTTPProbe(cfg ProbeConfig, client *http.Client) *HTTPProbe {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.UploadBytes <= 0 {
		cfg.UploadBytes = 1 << 20
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProbe{config: cfg, client: client}
}

// Measure runs the latency round and, when configured, the throughput tests.
func (p *HTTPProbe) Measure(ctx context.Context) (*storage.MetricSample, error) {
	latencies := make([]float64, 0, p.config.Count)
	failures := 0

	for i := 0; i < p.config.Count; i++ {
		start := time.Now()
		if _, err := p.get(ctx, p.config.ProbeURL, 64<<10); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			continue
		}
		latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
	}
	if len(latencies) == 0 {
		return nil, fmt.Errorf("probe %s unreachable after %d attempts", p.config.ProbeURL, p.config.Count)
	}

	sample := &storage.MetricSample{
		LatencyMS:     median(latencies),
		PacketLossPct: float64(failures) / float64(p.config.Count) * 100,
	}

	if p.config.DownloadURL != "" {
		start := time.Now()
		n, err := p.get(ctx, p.config.DownloadURL, maxDownloadBytes)
		if err != nil {
			return nil, fmt.Errorf("download test: %w", err)
		}
		sample.DownloadBps = bitsPerSecond(n, time.Since(start))
	}

	if p.config.UploadURL != "" {
		start := time.Now()
		if err := p.post(ctx, p.config.UploadURL, p.config.UploadBytes); err != nil {
			return nil, fmt.Errorf("upload test: %w", err)
		}
		sample.UploadBps = bitsPerSecond(int64(p.config.UploadBytes), time.Since(start))
	}

	return sample, nil
}

func (p *HTTPProbe) get(ctx context.Context, url string, limit int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
	if err != nil {
		return n, err
	}
	if resp.StatusCode >= 400 {
		return n, fmt.Errorf("status %d", resp.StatusCode)
	}
	return n, nil
}

func (p *HTTPProbe) post(ctx context.Context, url string, size int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(make([]byte, size)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func bitsPerSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		d = time.Microsecond
	}
	return float64(n*8) / d.Seconds()
}
