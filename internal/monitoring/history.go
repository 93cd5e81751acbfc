package monitoring

import (
	"sort"
	"time"

	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// LoadHistory 载入历史会话（最低优先级）：只在从未设置过分数时设置分数
func (o *Orchestrator) LoadHistory(results []models.CheckResult) {
	sorted := append([]models.CheckResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	for i := range sorted {
		if sorted[i].Date == "" {
			sorted[i].Date = sorted[i].Timestamp.In(o.opts.Location).Format(models.DateLayout)
		}
	}

	o.mu.Lock()
	o.history = sorted
	o.streak = ComputeStreak(o.allResultsLocked(), o.opts.Now(), o.opts.Location)
	if len(sorted) > 0 {
		if o.checkResult == nil {
			cr := sorted[0]
			o.checkResult = &cr
		}
		if !o.scoreEverSet {
			v := sorted[0].Score
			o.score = &v
			o.scoreEverSet = true
		}
	}
	s := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info("Monitoring history loaded", zap.Int("sessions", len(sorted)), zap.Int("streak", s.Streak))
	o.notify(s)
}

func (o *Orchestrator) allResultsLocked() []models.CheckResult {
	out := make([]models.CheckResult, 0, len(o.localResults)+len(o.history))
	out = append(out, o.localResults...)
	return append(out, o.history...)
}

// ComputeStreak 从今天起连续有检测记录的天数
// 日期去重后降序，首个日期必须是今天，之后每个日期必须恰好早一天；晚于今天的日期忽略
func ComputeStreak(results []models.CheckResult, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc).Format(models.DateLayout)

	seen := make(map[string]bool, len(results))
	dates := make([]string, 0, len(results))
	for _, r := range results {
		d := r.Date
		if d == "" {
			d = r.Timestamp.In(loc).Format(models.DateLayout)
		}
		if d > today || seen[d] {
			continue
		}
		seen[d] = true
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	streak := 0
	cursor := today
	for _, d := range dates {
		if d != cursor {
			break
		}
		streak++
		cursor = previousDay(cursor)
	}
	return streak
}

func previousDay(date string) string {
	t, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(models.DateLayout)
}
