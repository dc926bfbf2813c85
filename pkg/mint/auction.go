// Package mint is the only source of new scrip: a periodic second-price
// auction scored by an injected scorer, and a deterministic task board
// rewarding solutions that pass hidden tests.
package mint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/scrip"
)

var (
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrNotExecutable      = errors.New("artifact is not executable")
	ErrNotOwner           = errors.New("artifact is not controlled by the submitter")
	ErrBadBid             = errors.New("bid must be positive")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrNoSubmissions      = errors.New("no submissions to resolve")
)

// DefaultMintRatio divides the scorer's output into minted scrip.
const DefaultMintRatio = 10

// DefaultHistoryBound caps retained resolutions.
const DefaultHistoryBound = 64

// SinglePrice is what a sole bidder pays: the lowest meaningful price.
const SinglePrice = 1

// Submission is one escrowed auction entry.
type Submission struct {
	SubmissionID string    `json:"submission_id"`
	PrincipalID  string    `json:"principal_id"`
	ArtifactID   string    `json:"artifact_id"`
	Bid          int64     `json:"bid"`
	SubmittedAt  time.Time `json:"submitted_at"`
	order        int
}

// Resolution records one finished auction round.
type Resolution struct {
	Winner      string           `json:"winner,omitempty"`
	ArtifactID  string           `json:"artifact_id,omitempty"`
	WinningBid  int64            `json:"winning_bid,omitempty"`
	PricePaid   int64            `json:"price_paid,omitempty"`
	Score       int64            `json:"score,omitempty"`
	ScoreReason string           `json:"score_reason,omitempty"`
	Minted      int64            `json:"minted,omitempty"`
	UBI         scrip.UBIReport  `json:"ubi,omitempty"`
	ScoreError  string           `json:"score_error,omitempty"`
	Refunds     map[string]int64 `json:"refunds,omitempty"`
	ResolvedAt  time.Time        `json:"resolved_at"`
	Submissions int              `json:"submissions"`
}

// Auction holds submissions between resolutions. Bids are escrowed at
// submit time so a principal cannot bid the same scrip twice.
type Auction struct {
	mu          sync.Mutex
	ledger      *scrip.Ledger
	store       *artifacts.Store
	scorer      Scorer
	submissions map[string]*Submission
	heldBids    map[string]int64
	history     []Resolution
	mintRatio   int64
	histBound   int
	orderSeq    int
	idFunc      func() string
	clock       func() time.Time
}

// NewAuction wires the auction to the ledger, store, and scorer.
func NewAuction(ledger *scrip.Ledger, store *artifacts.Store, scorer Scorer) *Auction {
	return &Auction{
		ledger:      ledger,
		store:       store,
		scorer:      scorer,
		submissions: make(map[string]*Submission),
		heldBids:    make(map[string]int64),
		mintRatio:   DefaultMintRatio,
		histBound:   DefaultHistoryBound,
		idFunc:      uuid.NewString,
		clock:       time.Now,
	}
}

// WithMintRatio overrides the score-to-scrip divisor.
func (a *Auction) WithMintRatio(ratio int64) *Auction {
	if ratio > 0 {
		a.mintRatio = ratio
	}
	return a
}

// WithClock injects a time source.
func (a *Auction) WithClock(clock func() time.Time) *Auction {
	a.clock = clock
	return a
}

// WithIDFunc injects a submission-id source for tests.
func (a *Auction) WithIDFunc(fn func() string) *Auction {
	a.idFunc = fn
	return a
}

// Submit escrows the bid and records the submission.
func (a *Auction) Submit(principal, artifactID string, bid int64) (*Submission, error) {
	if bid <= 0 {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrBadBid)
	}

	art, err := a.store.Get(artifactID)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrArtifactNotFound)
	}
	if art.Deleted {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrArtifactNotFound)
	}
	if !art.Executable {
		return nil, fmt.Errorf("submit %s: %w", artifactID, ErrNotExecutable)
	}
	if art.Controller() != principal {
		return nil, fmt.Errorf("submit %s by %s: %w", artifactID, principal, ErrNotOwner)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ledger.Debit(principal, bid); err != nil {
		return nil, fmt.Errorf("escrow bid: %w", err)
	}

	a.orderSeq++
	sub := &Submission{
		SubmissionID: a.idFunc(),
		PrincipalID:  principal,
		ArtifactID:   artifactID,
		Bid:          bid,
		SubmittedAt:  a.clock().UTC(),
		order:        a.orderSeq,
	}
	a.submissions[sub.SubmissionID] = sub
	a.heldBids[principal] += bid
	return sub, nil
}

// Cancel refunds the bid and removes the submission. Only its owner may
// cancel.
func (a *Auction) Cancel(principal, submissionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub, ok := a.submissions[submissionID]
	if !ok || sub.PrincipalID != principal {
		return fmt.Errorf("cancel %s by %s: %w", submissionID, principal, ErrSubmissionNotFound)
	}
	a.refund(sub)
	delete(a.submissions, submissionID)
	return nil
}

// Resolve settles the round: the highest bidder wins at the second-
// highest price (ties broken by submission order; a sole bidder pays the
// minimum price), losers are refunded, the winner's artifact is scored,
// score/mintRatio scrip is minted to the winner, and the price paid is
// redistributed as UBI among the other principals with standing.
//
// If scoring fails the round is void: every bid including the winner's
// is refunded in full and nothing is minted or redistributed.
func (a *Auction) Resolve(ctx context.Context) (*Resolution, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.submissions) == 0 {
		return nil, ErrNoSubmissions
	}

	ordered := make([]*Submission, 0, len(a.submissions))
	for _, sub := range a.submissions {
		ordered = append(ordered, sub)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Bid != ordered[j].Bid {
			return ordered[i].Bid > ordered[j].Bid
		}
		return ordered[i].order < ordered[j].order
	})

	winner := ordered[0]
	price := int64(SinglePrice)
	if len(ordered) > 1 {
		price = ordered[1].Bid
	}

	res := &Resolution{
		Winner:      winner.PrincipalID,
		ArtifactID:  winner.ArtifactID,
		WinningBid:  winner.Bid,
		PricePaid:   price,
		Refunds:     make(map[string]int64),
		ResolvedAt:  a.clock().UTC(),
		Submissions: len(ordered),
	}

	// Losers get their full bids back whatever happens next.
	for _, sub := range ordered[1:] {
		a.refund(sub)
		res.Refunds[sub.PrincipalID] += sub.Bid
	}

	art, err := a.store.Get(winner.ArtifactID)
	if err != nil || art.Deleted {
		// The winning artifact vanished between submit and resolve;
		// void the round.
		a.refund(winner)
		res.Refunds[winner.PrincipalID] += winner.Bid
		res.PricePaid = 0
		res.ScoreError = "winning artifact no longer exists"
		a.finish(res)
		return res, nil
	}

	score, reason, scoreErr := a.score(ctx, art)
	if scoreErr != nil {
		a.refund(winner)
		res.Refunds[winner.PrincipalID] += winner.Bid
		res.PricePaid = 0
		res.ScoreError = scoreErr.Error()
		a.finish(res)
		return res, nil
	}
	res.Score = score
	res.ScoreReason = reason

	// Second price: refund the winner the difference above what they pay.
	if diff := winner.Bid - price; diff > 0 {
		if err := a.ledger.Credit(winner.PrincipalID, diff); err != nil {
			return nil, fmt.Errorf("refund winner difference: %w", err)
		}
		res.Refunds[winner.PrincipalID] += diff
	}
	a.heldBids[winner.PrincipalID] -= winner.Bid
	if a.heldBids[winner.PrincipalID] <= 0 {
		delete(a.heldBids, winner.PrincipalID)
	}

	res.Minted = score / a.mintRatio
	if res.Minted > 0 {
		if err := a.ledger.Credit(winner.PrincipalID, res.Minted); err != nil {
			return nil, fmt.Errorf("mint to winner: %w", err)
		}
	}

	report, err := a.ledger.DistributeUBI(price, winner.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("distribute price as UBI: %w", err)
	}
	res.UBI = report

	a.finish(res)
	return res, nil
}

func (a *Auction) score(ctx context.Context, art *artifacts.Artifact) (int64, string, error) {
	if a.scorer == nil {
		return 0, "", errors.New("no scorer configured")
	}
	result, err := a.scorer.Score(ctx, ScoreRequest{
		ArtifactID:   art.ID,
		ArtifactType: art.Type,
		Content:      art.Content,
	})
	if err != nil {
		return 0, "", err
	}
	return result.Score, result.Reason, nil
}

// refund returns an escrowed bid. Callers hold a.mu.
func (a *Auction) refund(sub *Submission) {
	// Credit cannot fail for positive amounts; submissions hold bid > 0.
	_ = a.ledger.Credit(sub.PrincipalID, sub.Bid)
	a.heldBids[sub.PrincipalID] -= sub.Bid
	if a.heldBids[sub.PrincipalID] <= 0 {
		delete(a.heldBids, sub.PrincipalID)
	}
}

// finish archives the resolution and clears the round. Callers hold a.mu.
func (a *Auction) finish(res *Resolution) {
	a.history = append(a.history, *res)
	if len(a.history) > a.histBound {
		a.history = a.history[len(a.history)-a.histBound:]
	}
	a.submissions = make(map[string]*Submission)
}

// Submissions returns the open submissions, in submission order.
func (a *Auction) Submissions() []Submission {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Submission, 0, len(a.submissions))
	for _, sub := range a.submissions {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// HeldBids returns currently escrowed scrip per principal.
func (a *Auction) HeldBids() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.heldBids))
	for p, amt := range a.heldBids {
		out[p] = amt
	}
	return out
}

// HeldBid returns the escrowed total for one principal.
func (a *Auction) HeldBid(principal string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heldBids[principal]
}

// History returns past resolutions, oldest first.
func (a *Auction) History() []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Resolution(nil), a.history...)
}

// State is the checkpoint form of the auction.
type State struct {
	Submissions []Submission     `json:"submissions"`
	HeldBids    map[string]int64 `json:"held_bids"`
	History     []Resolution     `json:"history"`
}

// Snapshot captures open submissions, escrow, and history.
func (a *Auction) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := State{HeldBids: make(map[string]int64, len(a.heldBids))}
	for _, sub := range a.submissions {
		st.Submissions = append(st.Submissions, *sub)
	}
	sort.Slice(st.Submissions, func(i, j int) bool { return st.Submissions[i].order < st.Submissions[j].order })
	for p, amt := range a.heldBids {
		st.HeldBids[p] = amt
	}
	st.History = append(st.History, a.history...)
	return st
}

// Restore replaces auction state from a checkpoint.
func (a *Auction) Restore(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.submissions = make(map[string]*Submission, len(st.Submissions))
	a.orderSeq = 0
	for i := range st.Submissions {
		sub := st.Submissions[i]
		a.orderSeq++
		sub.order = a.orderSeq
		a.submissions[sub.SubmissionID] = &sub
	}
	a.heldBids = make(map[string]int64, len(st.HeldBids))
	for p, amt := range st.HeldBids {
		a.heldBids[p] = amt
	}
	a.history = append([]Resolution(nil), st.History...)
}
