package query

// HotSpot is one intersection bucket with its merged totals for a date.
type HotSpot struct {
	LatRound        float64  `json:"lat"`
	LonRound        float64  `json:"lon"`
	DelayCount      int      `json:"delay_count"`
	MultiCycleCount int      `json:"multi_cycle_count"`
	TotalSeconds    int      `json:"total_seconds"`
	CostPLN         float64  `json:"cost_pln"`
	Lines           []string `json:"lines"`
	NearestStopName string   `json:"nearest_stop_name"`
}

// LineImpact is one line's merged totals for a date.
type LineImpact struct {
	Line              string  `json:"line"`
	DelayCount        int     `json:"delay_count"`
	BlockageCount     int     `json:"blockage_count"`
	TotalSeconds      int     `json:"total_seconds"`
	IntersectionCount int     `json:"intersection_count"`
	AvgSeconds        float64 `json:"avg_seconds"`
}

// LineHour is one hour bucket of a line's day.
type LineHour struct {
	Hour               int `json:"hour"`
	DelayCount         int `json:"delay_count"`
	BlockageCount      int `json:"blockage_count"`
	TotalSeconds       int `json:"total_seconds"`
	IntersectionDelays int `json:"intersection_delays"`
}

// Summary is the date-wide total across all lines.
type Summary struct {
	Date          string  `json:"date"`
	DelayCount    int     `json:"delay_count"`
	BlockageCount int     `json:"blockage_count"`
	TotalSeconds  int     `json:"total_seconds"`
	CostPLN       float64 `json:"cost_pln"`
	LinesAffected int     `json:"lines_affected"`
}

// HeatmapCell is one slot of the 168-cell day-of-week x hour grid.
type HeatmapCell struct {
	DayOfWeek       int `json:"day_of_week"`
	Hour            int `json:"hour"`
	DelayCount      int `json:"delay_count"`
	MultiCycleCount int `json:"multi_cycle_count"`
	TotalSeconds    int `json:"total_seconds"`
}

// IntersectionHour is one hour bucket of a single intersection's date.
type IntersectionHour struct {
	Hour            int `json:"hour"`
	DelayCount      int `json:"delay_count"`
	MultiCycleCount int `json:"multi_cycle_count"`
	TotalSeconds    int `json:"total_seconds"`
}

// IntersectionDetail is the drill-down for a single bucket and date.
type IntersectionDetail struct {
	HotSpot
	ByHour []IntersectionHour `json:"by_hour"`
}
