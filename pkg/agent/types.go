package agent

// ActionResult is the outcome of one action within a step.
type ActionResult struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	IsDone  bool   `json:"is_done,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// StepRecord is one entry in a run's history: the page state the step
// saw, what the model said, and what the actions produced.
type StepRecord struct {
	Step        int            `json:"step"`
	StateURL    string         `json:"state_url,omitempty"`
	ModelOutput string         `json:"model_output,omitempty"`
	Evaluation  string         `json:"evaluation,omitempty"`
	Results     []ActionResult `json:"results,omitempty"`
}

// History is the ordered record of a run.
type History struct {
	Steps []StepRecord `json:"steps"`
}

// FinalResult returns the content of the terminal action, or the last
// model output when the run never finished.
func (h *History) FinalResult() string {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		for j := len(h.Steps[i].Results) - 1; j >= 0; j-- {
			if h.Steps[i].Results[j].IsDone {
				return h.Steps[i].Results[j].Content
			}
		}
	}
	if n := len(h.Steps); n > 0 {
		return h.Steps[n-1].ModelOutput
	}
	return ""
}

// IsSuccessful reports whether the run finished with a successful
// terminal action. An unfinished run is not successful.
func (h *History) IsSuccessful() bool {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		for j := len(h.Steps[i].Results) - 1; j >= 0; j-- {
			r := h.Steps[i].Results[j]
			if r.IsDone {
				return r.Success != nil && *r.Success
			}
		}
	}
	return false
}

// IsDone reports whether any terminal action was recorded.
func (h *History) IsDone() bool {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		for _, r := range h.Steps[i].Results {
			if r.IsDone {
				return true
			}
		}
	}
	return false
}

// URLs returns the page URL each step saw, oldest first.
func (h *History) URLs() []string {
	out := make([]string, 0, len(h.Steps))
	for _, s := range h.Steps {
		if s.StateURL != "" {
			out = append(out, s.StateURL)
		}
	}
	return out
}

// resetCompletion clears done/success markers on every recorded result.
// It returns true when at least one marker was cleared.
func (h *History) resetCompletion() bool {
	cleared := false
	for i := range h.Steps {
		for j := range h.Steps[i].Results {
			r := &h.Steps[i].Results[j]
			if r.IsDone || r.Success != nil {
				r.IsDone = false
				r.Success = nil
				cleared = true
			}
		}
	}
	return cleared
}
