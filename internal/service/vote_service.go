package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
)

// PlaceVoteInput carries a stake request.
type PlaceVoteInput struct {
	MarketID   string            `json:"-"`
	Voter      string            `json:"-"`
	Prediction domain.Prediction `json:"prediction"`
	Amount     decimal.Decimal   `json:"amount"`
}

// VoteService records stakes and keeps the market's pool projection current.
type VoteService struct {
	store     domain.Store
	events    *events.Publisher
	txTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewVoteService wires a VoteService.
func NewVoteService(store domain.Store, pub *events.Publisher, txTimeout time.Duration, logger *slog.Logger) *VoteService {
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}
	return &VoteService{
		store:     store,
		events:    pub,
		txTimeout: txTimeout,
		logger:    logger.With(slog.String("component", "vote_service")),
		now:       time.Now,
	}
}

// PlaceVote stores one vote per (market, voter) and adds its stake to the
// matching pool in the same transaction.
func (s *VoteService) PlaceVote(ctx context.Context, in PlaceVoteInput) (domain.Vote, error) {
	if !domain.ValidPrediction(in.Prediction) {
		return domain.Vote{}, domain.NewError(domain.KindValidation, "prediction must be YES or NO, got %q", in.Prediction)
	}
	if !in.Amount.IsPositive() {
		return domain.Vote{}, domain.NewError(domain.KindValidation, "amount must be greater than 0")
	}
	if in.Voter == "" {
		return domain.Vote{}, domain.NewError(domain.KindValidation, "voter identity is required")
	}

	now := s.now().UTC()
	vote := domain.Vote{
		ID:         uuid.NewString(),
		MarketID:   in.MarketID,
		Voter:      in.Voter,
		Prediction: in.Prediction,
		Amount:     in.Amount,
		CreatedAt:  now,
	}

	var pools domain.Pools
	err := s.store.WithinTx(ctx, s.txTimeout, func(ctx context.Context, tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, in.MarketID)
		if err != nil {
			return notFound(err, "market", in.MarketID)
		}
		if m.Status != domain.MarketStatusActive {
			return domain.NewError(domain.KindInvalidState, "market %s is not open for voting (status %s)", m.ID, m.Status)
		}
		if !now.Before(m.EndDate) {
			return domain.NewError(domain.KindInvalidState, "market %s closed at %s", m.ID, m.EndDate.Format(time.RFC3339))
		}
		if _, err := tx.Groups().Role(ctx, m.GroupID, in.Voter); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewError(domain.KindForbidden, "%s is not a member of group %s", in.Voter, m.GroupID)
			}
			return err
		}
		if !m.StakeAllowed(in.Amount) {
			upper := "unbounded"
			if m.MaxStake != nil {
				upper = m.MaxStake.String()
			}
			return domain.NewError(domain.KindValidation, "amount %s outside stake range [%s, %s]", in.Amount, m.MinStake, upper)
		}

		if err := tx.Users().Ensure(ctx, in.Voter); err != nil {
			return err
		}
		if err := tx.Votes().Create(ctx, vote); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.NewError(domain.KindAlreadyVoted, "%s already voted on market %s", in.Voter, m.ID)
			}
			return err
		}

		pools = m.Pools
		pools.ParticipantCount++
		pools.Add(in.Prediction, in.Amount)
		if err := tx.Markets().UpdatePools(ctx, m.ID, pools); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, auditVotePlaced, map[string]any{
			"market_id":  m.ID,
			"vote_id":    vote.ID,
			"voter":      in.Voter,
			"prediction": string(in.Prediction),
			"amount":     in.Amount.String(),
		})
	})
	if err != nil {
		return domain.Vote{}, fmt.Errorf("vote_service: place vote on %s: %w", in.MarketID, err)
	}

	s.logger.InfoContext(ctx, "vote_service: vote placed",
		slog.String("market_id", in.MarketID),
		slog.String("voter", in.Voter),
		slog.String("prediction", string(in.Prediction)),
		slog.String("amount", in.Amount.String()),
	)
	s.events.Publish(ctx, events.Event{Type: events.VotePlaced, MarketID: in.MarketID, Data: map[string]any{
		"prediction":     string(in.Prediction),
		"amount":         in.Amount.String(),
		"yes_percentage": pools.YesPercentage.String(),
		"no_percentage":  pools.NoPercentage.String(),
	}})
	return vote, nil
}
