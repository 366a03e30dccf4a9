package eventlog

import (
	"context"
	"time"

	"guildlog/internal/storage"
)

type Counter interface {
	CountEventLogs(ctx context.Context, guildID string, since time.Time) ([]storage.EventLogCount, error)
}

type Report struct {
	Since     time.Time      `json:"since"`
	Total     int            `json:"total"`
	ByType    map[string]int `json:"by_type"`
	ByOutcome map[string]int `json:"by_outcome"`
}

// BuildReport summarizes a guild's event log since the given time.
func BuildReport(ctx context.Context, counter Counter, guildID string, since time.Time) (Report, error) {
	counts, err := counter.CountEventLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{Since: since, ByType: make(map[string]int), ByOutcome: make(map[string]int)}
	for _, c := range counts {
		report.Total += c.Count
		report.ByType[c.EventType] += c.Count
		report.ByOutcome[c.Outcome] += c.Count
	}
	return report, nil
}
