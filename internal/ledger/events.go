package ledger

import (
	"context"
	"fmt"
	"sync"
)

// EventKind names a contract event the engine reacts to
type EventKind string

const (
	EventCampaignCreated   EventKind = "CampaignCreated"
	EventDonationReceived  EventKind = "DonationReceived"
	EventMilestoneApproved EventKind = "MilestoneApproved"
)

// Event is a decoded contract log
type Event struct {
	Kind        EventKind `json:"kind"`
	LedgerID    uint64    `json:"ledger_campaign_id"`
	BlockNumber uint64    `json:"block_number"`
	TxRef       string    `json:"tx_ref"`
	LogIndex    uint      `json:"log_index"`
}

// EventSource reads contract events in inclusive block ranges
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64) ([]Event, error)
}

// DefaultBatchSize bounds the block range of one poll
const DefaultBatchSize = 2000

// EventStream is a lazy sequence of ledger events read by polling. It holds
// only a block cursor, so a stream restarted from a saved cursor resumes
// where the previous one stopped.
type EventStream struct {
	source    EventSource
	batchSize uint64

	mu     sync.Mutex
	cursor uint64
}

// NewEventStream creates a stream that starts at block from
func NewEventStream(source EventSource, from uint64) *EventStream {
	return &EventStream{
		source:    source,
		batchSize: DefaultBatchSize,
		cursor:    from,
	}
}

// Cursor returns the next block the stream will read
func (s *EventStream) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Next reads events from the cursor up to the latest block (bounded by the
// batch size) and advances the cursor. It returns an empty slice when there
// are no new blocks. The cursor does not move on error.
func (s *EventStream) Next(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.source.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest block: %w", err)
	}
	if latest < s.cursor {
		return nil, nil
	}

	to := latest
	if to-s.cursor+1 > s.batchSize {
		to = s.cursor + s.batchSize - 1
	}

	events, err := s.source.FetchEvents(ctx, s.cursor, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events in blocks %d-%d: %w", s.cursor, to, err)
	}
	s.cursor = to + 1
	return events, nil
}
