package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationState is where in the purchase funnel a customer is
type ConversationState string

// Funnel states
const (
	StateInitial           ConversationState = "INITIAL"
	StateBrowsing          ConversationState = "BROWSING"
	StateAwaitingQuantity  ConversationState = "AWAITING_QUANTITY"
	StateOrderConfirmation ConversationState = "ORDER_CONFIRMATION"
	StateOrderScheduling   ConversationState = "ORDER_SCHEDULING"
	StateCheckOrder        ConversationState = "CHECK_ORDER"
	StateFinalized         ConversationState = "FINALIZED"
)

// Stage is the per-state scratch data. Each state has exactly one concrete stage type,
// so a session cannot hold a product reference outside AWAITING_QUANTITY or an order id
// outside ORDER_SCHEDULING.
type Stage interface {
	State() ConversationState
}

// ProductRef is the catalog snapshot carried while a customer is choosing
type ProductRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
}

// InitialStage has no selection
type InitialStage struct{}

// BrowsingStage remembers the last category shown, if any
type BrowsingStage struct {
	Category string `json:"category,omitempty"`
}

// AwaitingQuantityStage holds the chosen product until a quantity arrives
type AwaitingQuantityStage struct {
	Product ProductRef `json:"product"`
}

// OrderConfirmationStage holds a computed quote. PendingOrderID is set while a
// confirmation is being turned into an order (gateway call in flight).
type OrderConfirmationStage struct {
	Product        ProductRef `json:"product"`
	Quantity       int        `json:"quantity"`
	Total          int64      `json:"total"`
	PendingOrderID string     `json:"pending_order_id,omitempty"`
	ClaimedAt      time.Time  `json:"claimed_at,omitempty"`
}

// OrderSchedulingStage points at the order awaiting payment
type OrderSchedulingStage struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

// CheckOrderStage waits for an order id
type CheckOrderStage struct{}

// FinalizedStage is terminal until the customer writes again
type FinalizedStage struct{}

func (InitialStage) State() ConversationState           { return StateInitial }
func (BrowsingStage) State() ConversationState          { return StateBrowsing }
func (AwaitingQuantityStage) State() ConversationState  { return StateAwaitingQuantity }
func (OrderConfirmationStage) State() ConversationState { return StateOrderConfirmation }
func (OrderSchedulingStage) State() ConversationState   { return StateOrderScheduling }
func (CheckOrderStage) State() ConversationState        { return StateCheckOrder }
func (FinalizedStage) State() ConversationState         { return StateFinalized }

// ConversationSession is the per-(tenant, phone) funnel record
type ConversationSession struct {
	ID       string            `json:"id" gorm:"primaryKey;size:36"`
	TenantID string            `json:"tenant_id" gorm:"size:64;not null;uniqueIndex:ux_sessions_tenant_phone,priority:1"`
	Phone    string            `json:"phone" gorm:"size:32;not null;uniqueIndex:ux_sessions_tenant_phone,priority:2"`
	State    ConversationState `json:"state" gorm:"size:32;index"`
	Scratch  datatypes.JSON    `json:"-"`
	Stage    Stage             `json:"-" gorm:"-"`

	LastMessageAt time.Time `json:"last_message_at" gorm:"index"`
	WarningSent   bool      `json:"warning_sent"`
	Active        bool      `json:"active" gorm:"index"`
	Version       int       `json:"version"` // bumped on every save, used for optimistic writes

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of struct renames
func (ConversationSession) TableName() string { return "conversation_sessions" }

// SetStage moves the session to the stage's state
func (s *ConversationSession) SetStage(stage Stage) {
	if stage == nil {
		stage = InitialStage{}
	}
	s.Stage = stage
	s.State = stage.State()
}

// CurrentStage returns the stage, decoding the scratch column if needed
func (s *ConversationSession) CurrentStage() Stage {
	if s.Stage == nil {
		if err := s.DecodeScratch(); err != nil {
			s.SetStage(InitialStage{})
		}
	}
	return s.Stage
}

// EncodeScratch serializes the stage into the scratch column
func (s *ConversationSession) EncodeScratch() error {
	stage := s.CurrentStage()
	raw, err := json.Marshal(stage)
	if err != nil {
		return fmt.Errorf("encode %s scratch: %w", stage.State(), err)
	}
	s.State = stage.State()
	s.Scratch = datatypes.JSON(raw)
	return nil
}

// DecodeScratch rebuilds the stage from the state and scratch columns
func (s *ConversationSession) DecodeScratch() error {
	stage, err := DecodeStage(s.State, s.Scratch)
	if err != nil {
		return err
	}
	s.Stage = stage
	return nil
}

// DecodeStage picks the stage type for state and unmarshals raw into it
func DecodeStage(state ConversationState, raw []byte) (Stage, error) {
	var target Stage
	switch state {
	case StateInitial, "":
		return InitialStage{}, nil
	case StateCheckOrder:
		return CheckOrderStage{}, nil
	case StateFinalized:
		return FinalizedStage{}, nil
	case StateBrowsing:
		var st BrowsingStage
		if err := unmarshalScratch(raw, &st); err != nil {
			return nil, err
		}
		target = st
	case StateAwaitingQuantity:
		var st AwaitingQuantityStage
		if err := unmarshalScratch(raw, &st); err != nil {
			return nil, err
		}
		target = st
	case StateOrderConfirmation:
		var st OrderConfirmationStage
		if err := unmarshalScratch(raw, &st); err != nil {
			return nil, err
		}
		target = st
	case StateOrderScheduling:
		var st OrderSchedulingStage
		if err := unmarshalScratch(raw, &st); err != nil {
			return nil, err
		}
		target = st
	default:
		return nil, fmt.Errorf("unknown conversation state %q", state)
	}
	return target, nil
}

func unmarshalScratch(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode scratch: %w", err)
	}
	return nil
}

// BeforeSave keeps State and Scratch in sync with Stage
func (s *ConversationSession) BeforeSave(tx *gorm.DB) error {
	return s.EncodeScratch()
}

// AfterFind decodes the scratch column into Stage
func (s *ConversationSession) AfterFind(tx *gorm.DB) error {
	return s.DecodeScratch()
}

// IdleFor is how long it has been since the last inbound message
func (s *ConversationSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastMessageAt)
}
