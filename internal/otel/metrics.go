package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the swarm's instruments.
type Metrics struct {
	BidsReceived     metric.Int64Counter
	Awards           metric.Int64Counter
	Reposts          metric.Int64Counter
	Reopens          metric.Int64Counter
	TaskOutcomes     metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	StageDuration    metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	OffDutyCycles    metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.BidsReceived, "hive.market.bids", "Bids accepted into a bidding window"},
		{&m.Awards, "hive.market.awards", "Tasks awarded at clearing"},
		{&m.Reposts, "hive.market.reposts", "Tasks re-posted after an empty window"},
		{&m.Reopens, "hive.market.reopens", "Tasks reopened after a rejected or partial result"},
		{&m.TaskOutcomes, "hive.task.outcomes", "Tasks reaching a terminal status"},
		{&m.ToolCallErrors, "hive.tool.errors", "Tool call attempts that failed"},
		{&m.OffDutyCycles, "hive.lifecycle.offduty_cycles", "Completed Dream and Play cycles"},
		{&m.RateLimitRejects, "hive.gateway.ratelimit.rejects", "Requests rejected by the rate limiter"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.TaskDuration, "hive.task.duration", "Time from posting to terminal status"},
		{&m.StageDuration, "hive.kernel.stage.duration", "Duration of one kernel stage"},
		{&m.RequestDuration, "hive.gateway.request.duration", "Gateway request duration"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}
