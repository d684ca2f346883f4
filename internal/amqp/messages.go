package amqp

import (
	"encoding/json"
	"time"

	"cofre/internal/core"
)

// EventType names what happened to a vault.
type EventType string

const (
	EventMovementRecorded EventType = "movement.recorded"
	EventMovementAmended  EventType = "movement.amended"
	EventMovementRemoved  EventType = "movement.removed"
	EventVaultRecomputed  EventType = "vault.recomputed"
)

// MovementEvent announces a committed change to a vault's ledger.
// Amounts are fixed two-decimal strings.
type MovementEvent struct {
	Type        EventType `json:"type"`
	OwnerID     string    `json:"owner_id"`
	VaultID     string    `json:"vault_id"`
	MovementID  string    `json:"movement_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Description string    `json:"description,omitempty"`
	OccurredAt  time.Time `json:"occurred_at,omitempty"`
	Balance     string    `json:"balance,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMovementEvent describes a change to movement m.
func NewMovementEvent(t EventType, ownerID string, m core.Movement) *MovementEvent {
	return &MovementEvent{
		Type:        t,
		OwnerID:     ownerID,
		VaultID:     m.VaultID,
		MovementID:  m.ID,
		Kind:        m.Kind.String(),
		Amount:      m.Amount.StringFixed(),
		Description: m.Description,
		OccurredAt:  m.OccurredAt,
		Timestamp:   time.Now(),
	}
}

// NewRecomputedEvent reports a vault balance rebuilt from its movements.
func NewRecomputedEvent(ownerID, vaultID string, balance core.Money) *MovementEvent {
	return &MovementEvent{
		Type:      EventVaultRecomputed,
		OwnerID:   ownerID,
		VaultID:   vaultID,
		Balance:   balance.StringFixed(),
		Timestamp: time.Now(),
	}
}

// Movement rebuilds the movement carried by the event.
func (m *MovementEvent) Movement() (core.Movement, error) {
	kind, err := core.ParseKind(m.Kind)
	if err != nil {
		return core.Movement{}, err
	}
	amount, err := core.ParseMoney(m.Amount)
	if err != nil {
		return core.Movement{}, err
	}
	return core.Movement{
		ID:          m.MovementID,
		VaultID:     m.VaultID,
		Kind:        kind,
		Amount:      amount,
		Description: m.Description,
		OccurredAt:  m.OccurredAt,
	}, nil
}

func (m *MovementEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func MovementEventFromJSON(data []byte) (*MovementEvent, error) {
	var msg MovementEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
