package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"vehicle-tracking-service/internal/domain/tracking"
)

// Notifier receives domain events emitted by the tracking engine. Delivery
// is best-effort: an error here is logged by the caller and never affects
// the state transition that produced the event.
type Notifier interface {
	Notify(ctx context.Context, ev tracking.Event) error
}

// Message is a rendered notification handed to delivery backends.
type Message struct {
	Plate     string `json:"plate"`
	Text      string `json:"message"`
	EventType string `json:"event_type"`
	// ChatID overrides the sender's default chat when the plate's owner has
	// bound a personal channel.
	ChatID string `json:"-"`
}

func (m Message) FullText() string {
	return fmt.Sprintf("Vehicle %s: %s", m.Plate, m.Text)
}

// Sender is one delivery backend (Telegram, webhook).
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// OwnerResolver maps a plate to a bound notification chat id, when one
// exists. Implemented by the owner registry.
type OwnerResolver interface {
	TelegramChatID(ctx context.Context, plate string) (string, error)
}

// MultiNotifier renders events into owner messages and fans them out to all
// configured senders. MovedEvent is path visibility, not a user-facing
// category, and is skipped.
type MultiNotifier struct {
	senders []Sender
	owners  OwnerResolver
	log     zerolog.Logger
}

func NewMultiNotifier(log zerolog.Logger, owners OwnerResolver, senders ...Sender) *MultiNotifier {
	return &MultiNotifier{senders: senders, owners: owners, log: log}
}

func (n *MultiNotifier) Notify(ctx context.Context, ev tracking.Event) error {
	msg, ok := render(ev)
	if !ok {
		return nil
	}

	if n.owners != nil {
		chatID, err := n.owners.TelegramChatID(ctx, msg.Plate)
		if err != nil {
			n.log.Debug().Err(err).Str("plate", msg.Plate).Msg("no owner chat binding")
		} else {
			msg.ChatID = chatID
		}
	}

	var errs []error
	for _, sender := range n.senders {
		if err := sender.Send(ctx, msg); err != nil {
			n.log.Error().
				Err(err).
				Str("plate", msg.Plate).
				Str("sender", sender.Name()).
				Msg("notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", sender.Name(), err))
			continue
		}
		n.log.Info().
			Str("plate", msg.Plate).
			Str("sender", sender.Name()).
			Str("event_type", msg.EventType).
			Msg("notification sent")
	}
	return errors.Join(errs...)
}

func render(ev tracking.Event) (Message, bool) {
	switch e := ev.(type) {
	case tracking.EntryEvent:
		return Message{
			Plate:     e.Plate,
			Text:      fmt.Sprintf("detected at %s - entry", e.Camera),
			EventType: "entry",
		}, true
	case tracking.ExitEvent:
		return Message{
			Plate:     e.Plate,
			Text:      fmt.Sprintf("exit at %s", e.Camera),
			EventType: "exit",
		}, true
	case tracking.LastSeenEvent:
		return Message{
			Plate:     e.Plate,
			Text:      fmt.Sprintf("last seen at %s at %s", e.CameraName, e.At.Format("15:04:05")),
			EventType: "parked",
		}, true
	default:
		return Message{}, false
	}
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, tracking.Event) error { return nil }
