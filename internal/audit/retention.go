package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coordline/internal/repo"
)

// Retention holds tier ages. Zero disables the move out of that tier.
type Retention struct {
	Hot  time.Duration
	Warm time.Duration
}

type CompactStats struct {
	RolledUp        int64 `json:"rolled_up"`
	ArchivedDays    int   `json:"archived_days"`
	ArchivedBuckets int   `json:"archived_buckets"`
}

// Compact moves hot entries older than Retention.Hot into hourly warm
// aggregates, then archives warm buckets older than Retention.Warm into one
// gzip blob per day.
func (l Logger) Compact(ctx context.Context, now time.Time) (CompactStats, error) {
	var stats CompactStats
	err := repo.RetryOnBusy(ctx, l.Backoff, func() error {
		stats = CompactStats{}
		tx, err := l.Repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if l.Retention.Hot > 0 {
			n, err := l.Repo.RollupAudit(ctx, tx, now.Add(-l.Retention.Hot))
			if err != nil {
				return fmt.Errorf("rollup audit: %w", err)
			}
			stats.RolledUp = n
		}
		if l.Retention.Warm > 0 {
			cutoff := repo.DayOf(now.Add(-l.Retention.Warm))
			buckets, err := l.Repo.WarmBuckets(ctx, tx, cutoff)
			if err != nil {
				return fmt.Errorf("list warm buckets: %w", err)
			}
			byDay := map[time.Time][]repo.WarmBucket{}
			var days []time.Time
			for _, b := range buckets {
				day := repo.DayOf(b.Bucket)
				if _, ok := byDay[day]; !ok {
					days = append(days, day)
				}
				byDay[day] = append(byDay[day], b)
			}
			for _, day := range days {
				archive, entries, err := compress(byDay[day])
				if err != nil {
					return err
				}
				if err := l.Repo.InsertColdArchive(ctx, tx, repo.ColdArchive{
					Day:        day,
					Buckets:    int64(len(byDay[day])),
					Entries:    entries,
					Archive:    archive,
					ArchivedAt: now,
				}); err != nil {
					return fmt.Errorf("insert cold archive: %w", err)
				}
				stats.ArchivedBuckets += len(byDay[day])
			}
			stats.ArchivedDays = len(days)
			if _, err := l.Repo.DeleteWarmBefore(ctx, tx, cutoff); err != nil {
				return fmt.Errorf("delete warm buckets: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return CompactStats{}, repo.Wrap("audit compact", err)
	}
	return stats, nil
}

func compress(buckets []repo.WarmBucket) ([]byte, int64, error) {
	var (
		buf     bytes.Buffer
		entries int64
	)
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, b := range buckets {
		if err := enc.Encode(b); err != nil {
			return nil, 0, err
		}
		entries += b.Entries
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), entries, nil
}

// ReadArchive decodes the warm buckets stored in a cold archive.
func ReadArchive(a repo.ColdArchive) ([]repo.WarmBucket, error) {
	zr, err := gzip.NewReader(bytes.NewReader(a.Archive))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var res []repo.WarmBucket
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var b repo.WarmBucket
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, sc.Err()
}
