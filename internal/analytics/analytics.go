package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for successful runs of a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

func sinceClause(query, column, since string, args []any) (string, []any) {
	if since == "" {
		return query, args
	}
	return query + ` AND ` + column + ` >= ?`, append(args, since)
}

// QueryStageDurations returns average and percentile durations per stage,
// counting successful attempts only.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query, args := sinceClause(
		`SELECT stage, duration_ms FROM stage_runs WHERE outcome = 'success'`,
		"timestamp", since, nil)

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageFailureRate holds outcome stats per stage.
type StageFailureRate struct {
	Stage       string  `json:"stage"`
	Total       int     `json:"total"`
	FailRate    float64 `json:"fail_rate_pct"`
	FallbackPct float64 `json:"fallback_pct"`
	CommonKind  string  `json:"common_error_kind,omitempty"`
}

// QueryStageFailureRates returns, per stage, the share of attempts that
// failed and the share of successes that needed a fallback tier.
func QueryStageFailureRates(database DB, since string) ([]StageFailureRate, error) {
	query, args := sinceClause(`
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN outcome = 'failure' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN outcome = 'success' AND tier > 0 THEN 1 ELSE 0 END) as fallback
		FROM stage_runs WHERE 1 = 1`,
		"timestamp", since, nil)
	query += ` GROUP BY stage ORDER BY stage`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage failure rates: %w", err)
	}
	defer rows.Close()

	var results []StageFailureRate
	for rows.Next() {
		var r StageFailureRate
		var failed, succeeded, fallback int
		if err := rows.Scan(&r.Stage, &r.Total, &failed, &succeeded, &fallback); err != nil {
			return nil, fmt.Errorf("scan stage failure rate: %w", err)
		}
		r.FailRate = pct(failed, r.Total)
		r.FallbackPct = pct(fallback, succeeded)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		kindQuery, kArgs := sinceClause(
			`SELECT error_kind FROM stage_runs
			 WHERE stage = ? AND outcome = 'failure' AND error_kind IS NOT NULL`,
			"timestamp", since, []any{results[i].Stage})
		kindQuery += ` GROUP BY error_kind ORDER BY COUNT(*) DESC, error_kind LIMIT 1`
		var kind sql.NullString
		err := database.Conn().QueryRow(kindQuery, kArgs...).Scan(&kind)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("query common error kind: %w", err)
		}
		results[i].CommonKind = kind.String
	}
	return results, nil
}

// TierUsage counts successful runs per tier of a stage.
type TierUsage struct {
	Stage    string  `json:"stage"`
	Tier     int     `json:"tier"`
	TierName string  `json:"tier_name"`
	Count    int     `json:"count"`
	Share    float64 `json:"share_pct"`
}

// QueryTierUsage returns which producers actually served each stage.
func QueryTierUsage(database DB, since string) ([]TierUsage, error) {
	query, args := sinceClause(
		`SELECT stage, tier, tier_name, COUNT(*) FROM stage_runs WHERE outcome = 'success'`,
		"timestamp", since, nil)
	query += ` GROUP BY stage, tier, tier_name ORDER BY stage, tier`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tier usage: %w", err)
	}
	defer rows.Close()

	var results []TierUsage
	totals := make(map[string]int)
	for rows.Next() {
		var u TierUsage
		if err := rows.Scan(&u.Stage, &u.Tier, &u.TierName, &u.Count); err != nil {
			return nil, fmt.Errorf("scan tier usage: %w", err)
		}
		totals[u.Stage] += u.Count
		results = append(results, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Share = pct(results[i].Count, totals[results[i].Stage])
	}
	return results, nil
}

// JobThroughput holds job outcomes for a time period.
type JobThroughput struct {
	Period    string `json:"period"`
	Submitted int    `json:"submitted"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// QueryJobThroughput returns job outcomes grouped by week, newest first.
func QueryJobThroughput(database DB, since string) ([]JobThroughput, error) {
	query, args := sinceClause(`
		SELECT
			strftime('%Y-W%W', timestamp) as period,
			SUM(CASE WHEN event = 'submitted' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event = 'cancelled' THEN 1 ELSE 0 END)
		FROM job_events
		WHERE event IN ('submitted', 'completed', 'failed', 'cancelled')`,
		"timestamp", since, nil)
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job throughput: %w", err)
	}
	defer rows.Close()

	var results []JobThroughput
	for rows.Next() {
		var jt JobThroughput
		if err := rows.Scan(&jt.Period, &jt.Submitted, &jt.Completed, &jt.Failed, &jt.Cancelled); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		results = append(results, jt)
	}
	return results, rows.Err()
}

// JobEvent holds a single entry in a job timeline.
type JobEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryJobDetail merges lifecycle events and stage runs into one timeline.
func QueryJobDetail(database DB, jobID string) ([]JobEvent, error) {
	var results []JobEvent

	evRows, err := database.Conn().Query(
		`SELECT timestamp, event, stage, attempt, detail
		 FROM job_events WHERE job_id = ? ORDER BY timestamp, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer evRows.Close()

	for evRows.Next() {
		var e JobEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := evRows.Scan(&e.Timestamp, &e.Event, &stage, &attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		e.Type = "job"
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := evRows.Err(); err != nil {
		return nil, err
	}

	runRows, err := database.Conn().Query(
		`SELECT timestamp, stage, attempt, tier, tier_name, outcome, error_kind, duration_ms
		 FROM stage_runs WHERE job_id = ? ORDER BY timestamp, id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage runs: %w", err)
	}
	defer runRows.Close()

	for runRows.Next() {
		var ts, stage, tierName, outcome string
		var attempt, tier int
		var durationMs int64
		var errKind sql.NullString
		if err := runRows.Scan(&ts, &stage, &attempt, &tier, &tierName, &outcome, &errKind, &durationMs); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		detail := fmt.Sprintf("%s (%dms)", outcome, durationMs)
		if outcome == "success" {
			detail = fmt.Sprintf("tier %d %s (%dms)", tier, tierName, durationMs)
		} else if errKind.Valid {
			detail = fmt.Sprintf("%s: %s (%dms)", outcome, errKind.String, durationMs)
		}
		results = append(results, JobEvent{
			Timestamp: ts,
			Type:      "stage",
			Event:     outcome,
			Stage:     stage,
			Attempt:   attempt,
			Detail:    detail,
		})
	}
	if err := runRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
