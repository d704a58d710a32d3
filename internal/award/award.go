// Package award pays tournament participation rewards into linked wallets.
package award

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"

	"github.com/narivals/rivals-ledger/internal/ledger"
	"github.com/narivals/rivals-ledger/internal/metrics"
	"github.com/narivals/rivals-ledger/internal/model"
)

// ParticipantSource lists the participants of a finished tournament.
type ParticipantSource interface {
	Participants(ctx context.Context, tournament string) ([]model.Participant, error)
}

// Ledger is the part of the ledger the awarder needs.
type Ledger interface {
	FindWalletByExternalID(ctx context.Context, externalID string) (*model.Wallet, error)
	GrantBonus(ctx context.Context, userID string, amount int64) (int64, error)
}

// Status is the outcome for one participant.
type Status string

const (
	StatusGranted  Status = "granted"
	StatusUnlinked Status = "unlinked"
	StatusFailed   Status = "failed"
	StatusPreview  Status = "preview"
)

// Outcome describes what happened to one ranked participant.
type Outcome struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Rank       int    `json:"rank"`
	Reward     int64  `json:"reward"`
	UserID     string `json:"user_id,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Report summarises one award run, ordered by rank.
type Report struct {
	Tournament string      `json:"tournament"`
	Tier       ledger.Tier `json:"tier"`
	Entrants   int         `json:"entrants"`
	Outcomes   []Outcome   `json:"outcomes"`
}

// Count returns how many outcomes have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Lines renders the report as chat lines, one per participant.
func (r *Report) Lines() []string {
	lines := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusGranted:
			lines = append(lines, fmt.Sprintf("%s was rewarded with %d tokens!", o.Alias, o.Reward))
		case StatusUnlinked:
			lines = append(lines, fmt.Sprintf("Error: %s failed to receive %d due to unlinked Discord.", o.ExternalID, o.Reward))
		case StatusPreview:
			lines = append(lines, fmt.Sprintf("#%d %s would receive %d tokens.", o.Rank, o.ExternalID, o.Reward))
		default:
			lines = append(lines, fmt.Sprintf("Error: %s failed to receive %d: %s", o.ExternalID, o.Reward, o.Error))
		}
	}
	return lines
}

// String joins Lines for posting as one message.
func (r *Report) String() string {
	return strings.Join(r.Lines(), "\n")
}

// Awarder fetches results and grants rewards on a bounded worker pool.
type Awarder struct {
	source ParticipantSource
	ledger Ledger
	pool   pond.ResultPool[Outcome]
}

// NewAwarder creates an awarder running at most concurrency grants at once.
func NewAwarder(source ParticipantSource, l Ledger, concurrency int) *Awarder {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Awarder{
		source: source,
		ledger: l,
		pool:   pond.NewResultPool[Outcome](concurrency),
	}
}

// Close stops the worker pool after queued grants finish.
func (a *Awarder) Close() {
	a.pool.StopAndWait()
}

// Award pays every ranked, linked participant of tournament. Participants
// without a final rank are dropped before counting entrants; unlinked
// participants are reported and skipped.
func (a *Awarder) Award(ctx context.Context, tournament string) (*Report, error) {
	return a.run(ctx, tournament, true)
}

// Preview computes the same report without touching any wallet.
func (a *Awarder) Preview(ctx context.Context, tournament string) (*Report, error) {
	return a.run(ctx, tournament, false)
}

func (a *Awarder) run(ctx context.Context, tournament string, grant bool) (*Report, error) {
	participants, err := a.source.Participants(ctx, tournament)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants: %w", err)
	}

	ranked := Ranked(participants)
	report := &Report{
		Tournament: tournament,
		Tier:       ledger.TierFor(tournament),
		Entrants:   len(ranked),
	}
	if len(ranked) == 0 {
		return report, nil
	}

	tasks := make([]pond.Result[Outcome], 0, len(ranked))
	for _, p := range ranked {
		p := p
		tasks = append(tasks, a.pool.Submit(func() Outcome {
			return a.settle(ctx, p, report.Tier, report.Entrants, grant)
		}))
	}

	for _, task := range tasks {
		o, err := task.Wait()
		if err != nil {
			return nil, fmt.Errorf("award task failed: %w", err)
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	sort.SliceStable(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].Rank < report.Outcomes[j].Rank
	})

	slog.Info("tournament awarded",
		"tournament", tournament,
		"entrants", report.Entrants,
		"granted", report.Count(StatusGranted),
		"unlinked", report.Count(StatusUnlinked),
		"failed", report.Count(StatusFailed),
		"dry_run", !grant,
	)
	return report, nil
}

func (a *Awarder) settle(ctx context.Context, p model.Participant, tier ledger.Tier, entrants int, grant bool) Outcome {
	// Tied or post-DQ ranks can exceed the remaining field; they count as last.
	rank := *p.FinalRank
	if rank > entrants {
		rank = entrants
	}

	o := Outcome{ExternalID: p.ExternalID, Name: p.Name, Rank: *p.FinalRank}
	reward, err := ledger.ComputeTournamentReward(rank, entrants, tier.Base, tier.Weight)
	if err != nil {
		o.Status, o.Error = StatusFailed, err.Error()
		metrics.AwardGrants.WithLabelValues(string(o.Status)).Inc()
		return o
	}
	o.Reward = reward

	if !grant {
		o.Status = StatusPreview
		return o
	}

	w, err := a.ledger.FindWalletByExternalID(ctx, p.ExternalID)
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ledger.ErrInvalidInput):
		o.Status = StatusUnlinked
	case err != nil:
		o.Status, o.Error = StatusFailed, err.Error()
	default:
		o.UserID, o.Alias = w.UserID, w.Alias
		if _, err := a.ledger.GrantBonus(ctx, w.UserID, reward); err != nil {
			o.Status, o.Error = StatusFailed, err.Error()
		} else {
			o.Status = StatusGranted
		}
	}

	if o.Status == StatusFailed {
		slog.Error("award grant failed", "tournament_user", p.ExternalID, "reward", reward, "err", o.Error)
	}
	metrics.AwardGrants.WithLabelValues(string(o.Status)).Inc()
	return o
}

// Ranked drops participants without a final rank (disqualified or never
// checked in) and returns the rest ordered by rank.
func Ranked(participants []model.Participant) []model.Participant {
	out := make([]model.Participant, 0, len(participants))
	for _, p := range participants {
		if p.FinalRank != nil && *p.FinalRank > 0 {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].FinalRank < *out[j].FinalRank
	})
	return out
}
