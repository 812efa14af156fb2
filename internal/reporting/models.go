package reporting

import "time"

// TimeRange is a half-open [From, To) reporting window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

// CallsSummary aggregates call sessions and their recap outcomes over a
// window. Recap health is the operationally interesting part: a growing
// transient-failure count usually means the recap worker is struggling.
type CallsSummary struct {
	TotalCalls int `json:"total_calls"`

	PendingCalls  int `json:"pending_calls"`
	RingingCalls  int `json:"ringing_calls"`
	AnsweredCalls int `json:"answered_calls"`
	EndedCalls    int `json:"ended_calls"`

	NeverAnsweredCalls int `json:"never_answered_calls"`

	RecapReady           int `json:"recap_ready"`
	RecapPending         int `json:"recap_pending"`
	RecapFailedTransient int `json:"recap_failed_transient"`
	RecapFailedPermanent int `json:"recap_failed_permanent"`

	TotalRecapAttempts int `json:"total_recap_attempts"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
