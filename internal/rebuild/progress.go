package rebuild

// Report summarizes tool execution progress for UI consumption.
type Report struct {
	ToolsTotal     int     `json:"tools_total"`
	ToolsCompleted int     `json:"tools_completed"`
	ToolsErrored   int     `json:"tools_errored"`
	ToolsRunning   int     `json:"tools_running"`
	Percent        float64 `json:"percent"`
}

// Progress derives counts and a completion percentage from a snapshot. It is
// a pure function of its input; errored outcomes count as completed.
func Progress(s Snapshot) Report {
	r := Report{ToolsTotal: len(s.Outcomes)}
	for _, o := range s.Outcomes {
		if o.Completed() {
			r.ToolsCompleted++
			if o.IsError {
				r.ToolsErrored++
			}
		}
	}
	r.ToolsRunning = r.ToolsTotal - r.ToolsCompleted
	if r.ToolsTotal > 0 {
		r.Percent = float64(r.ToolsCompleted) / float64(r.ToolsTotal) * 100
	}
	return r
}
