package search

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type string `json:"type"`
}

// DecodeCommand parses one wire command. Unknown or malformed messages yield
// an error matching ErrInvalidCommand.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidCommand.WithDescription(err.Error())
	}
	var cmd Command
	switch env.Type {
	case TypeCreateSubscription:
		cmd = &CreateSubscription{}
	case TypeRequestFromSubscription:
		cmd = &RequestFromSubscription{}
	case TypeCancelSubscription:
		cmd = &CancelSubscription{}
	default:
		return nil, ErrInvalidCommand.WithDescription(fmt.Sprintf("unknown command type %q", env.Type))
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, ErrInvalidCommand.WithDescription(err.Error())
	}
	return cmd, nil
}

// EncodeCommand renders cmd with its type discriminator.
func EncodeCommand(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case *CreateSubscription:
		return json.Marshal(struct {
			Type string `json:"type"`
			*CreateSubscription
		}{c.CommandType(), c})
	case *RequestFromSubscription:
		return json.Marshal(struct {
			Type string `json:"type"`
			*RequestFromSubscription
		}{c.CommandType(), c})
	case *CancelSubscription:
		return json.Marshal(struct {
			Type string `json:"type"`
			*CancelSubscription
		}{c.CommandType(), c})
	default:
		return nil, fmt.Errorf("search: cannot encode command %T", cmd)
	}
}

// EncodeEvent renders ev with its type discriminator.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case *SubscriptionCreated:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SubscriptionCreated
		}{e.EventType(), e})
	case *SubscriptionHasNextPage:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SubscriptionHasNextPage
		}{e.EventType(), e})
	case *SubscriptionComplete:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SubscriptionComplete
		}{e.EventType(), e})
	case *SubscriptionFailed:
		return json.Marshal(struct {
			Type string `json:"type"`
			*SubscriptionFailed
		}{e.EventType(), e})
	default:
		return nil, fmt.Errorf("search: cannot encode event %T", ev)
	}
}

// DecodeEvent parses one wire event.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("search: decode event: %w", err)
	}
	var ev Event
	switch env.Type {
	case TypeSubscriptionCreated:
		ev = &SubscriptionCreated{}
	case TypeSubscriptionHasNextPage:
		ev = &SubscriptionHasNextPage{}
	case TypeSubscriptionComplete:
		ev = &SubscriptionComplete{}
	case TypeSubscriptionFailed:
		ev = &SubscriptionFailed{}
	default:
		return nil, fmt.Errorf("search: unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("search: decode %s: %w", env.Type, err)
	}
	return ev, nil
}
