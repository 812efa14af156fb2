package reporting

import (
	"context"
	"errors"
	"time"

	"callline-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Implementations should
// query the immutable call-session rows; resolved sessions never change.
type Repository interface {
	ListSessions(ctx context.Context, from, to time.Time) ([]calls.CallSession, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListSessions(ctx, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{}
	for _, c := range rows {
		out.TotalCalls++
		out.TotalRecapAttempts += c.RecapAttemptCount

		switch c.Status {
		case calls.StatusPending:
			out.PendingCalls++
		case calls.StatusRinging:
			out.RingingCalls++
		case calls.StatusAnswered:
			out.AnsweredCalls++
		case calls.StatusEnded:
			out.EndedCalls++
			if c.StartedAt == nil {
				out.NeverAnsweredCalls++
			} else if c.EndedAt != nil {
				out.TotalDurationSeconds += int(c.EndedAt.Sub(*c.StartedAt).Seconds())
			}
		}

		switch c.RecapStatus {
		case calls.RecapReady:
			out.RecapReady++
		case calls.RecapPending:
			out.RecapPending++
		case calls.RecapFailedTransient:
			out.RecapFailedTransient++
		case calls.RecapFailedPermanent:
			out.RecapFailedPermanent++
		}
	}
	answered := out.EndedCalls - out.NeverAnsweredCalls
	if answered > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / answered
	}
	return out, nil
}
