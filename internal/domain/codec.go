package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

var commandFactories = map[string]func() Command{
	CommandRegisterToConference:      func() Command { return &RegisterToConference{} },
	CommandMarkSeatsAsReserved:       func() Command { return &MarkSeatsAsReserved{} },
	CommandMarkOrderAsBooked:         func() Command { return &MarkOrderAsBooked{} },
	CommandRejectOrder:               func() Command { return &RejectOrder{} },
	CommandConfirmOrder:              func() Command { return &ConfirmOrder{} },
	CommandAssignRegistrantDetails:   func() Command { return &AssignRegistrantDetails{} },
	CommandAddSeats:                  func() Command { return &AddSeats{} },
	CommandRemoveSeats:               func() Command { return &RemoveSeats{} },
	CommandMakeSeatReservation:       func() Command { return &MakeSeatReservation{} },
	CommandCommitSeatReservation:     func() Command { return &CommitSeatReservation{} },
	CommandCancelSeatReservation:     func() Command { return &CancelSeatReservation{} },
	CommandExpireRegistrationProcess: func() Command { return &ExpireRegistrationProcess{} },
}

var eventFactories = map[string]func() Event{
	EventOrderPlaced:               func() Event { return &OrderPlaced{} },
	EventOrderUpdated:              func() Event { return &OrderUpdated{} },
	EventOrderPartiallyReserved:    func() Event { return &OrderPartiallyReserved{} },
	EventOrderReservationCompleted: func() Event { return &OrderReservationCompleted{} },
	EventOrderRegistrantAssigned:   func() Event { return &OrderRegistrantAssigned{} },
	EventOrderConfirmed:            func() Event { return &OrderConfirmed{} },
	EventOrderRejected:             func() Event { return &OrderRejected{} },
	EventAvailableSeatsChanged:     func() Event { return &AvailableSeatsChanged{} },
	EventSeatsReserved:             func() Event { return &SeatsReserved{} },
	EventSeatsReservationCommitted: func() Event { return &SeatsReservationCommitted{} },
	EventSeatsReservationCancelled: func() Event { return &SeatsReservationCancelled{} },
	EventPaymentCompleted:          func() Event { return &PaymentCompleted{} },
}

// CommandTypes returns every known command type, sorted
func CommandTypes() []string {
	return sortedKeys(commandFactories)
}

// EventTypes returns every known event type, sorted
func EventTypes() []string {
	return sortedKeys(eventFactories)
}

// DecodeCommand rebuilds a command from its type name and JSON body
func DecodeCommand(commandType string, data []byte) (Command, error) {
	factory, ok := commandFactories[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: command %q", ErrUnknownMessage, commandType)
	}
	cmd := factory()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command %s: %w", commandType, err)
	}
	return cmd, nil
}

// DecodeEvent rebuilds an event from its type name and JSON body
func DecodeEvent(eventType string, data []byte) (Event, error) {
	factory, ok := eventFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: event %q", ErrUnknownMessage, eventType)
	}
	evt := factory()
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to decode event %s: %w", eventType, err)
	}
	return evt, nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
