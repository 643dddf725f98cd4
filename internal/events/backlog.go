package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/metrics"
)

// nsqdStats is the subset of nsqd's /stats?format=json we read.
type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd for the number of events not yet handled by the
// dispatcher channel.
type BacklogMonitor struct {
	client   *http.Client
	statsURL string
	topic    string
	channel  string
	logger   *logging.Logger
}

func NewBacklogMonitor(nsqdHTTPAddr, topic, channel string, logger *logging.Logger) *BacklogMonitor {
	addr := strings.TrimRight(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &BacklogMonitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: addr + "/stats?format=json&topic=" + url.QueryEscape(topic),
		topic:    topic,
		channel:  channel,
		logger:   logger,
	}
}

// Poll returns the topic depth plus the dispatcher channel depth.
func (m *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsq stats returned status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsq stats: %w", err)
	}

	var depth int64
	for _, topic := range stats.Topics {
		if topic.Name != m.topic {
			continue
		}
		depth += topic.Depth
		for _, ch := range topic.Channels {
			if ch.Name == m.channel {
				depth += ch.Depth
			}
		}
	}
	return depth, nil
}

// Run polls every interval and updates the backlog gauge until ctx ends.
func (m *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := m.Poll(ctx)
			if err != nil {
				m.logger.Plain().WithError(err).Warn("failed to poll nsq backlog")
				continue
			}
			metrics.UpdateEventsBacklog(depth)
		}
	}
}
