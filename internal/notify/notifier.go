// Package notify delivers operator alerts about round lifecycle events to
// chat channels (Telegram, Discord). Alerts are filtered by event kind.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/units"
)

// KindKeeperError is the alert kind for keeper failures.
const KindKeeperError = "keeper_error"

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender. Only kinds in the allowed set are
// forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	kinds   map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders restricted to kinds.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Kind converts an event type to its alert kind, e.g. RoundSettled becomes
// round_settled.
func Kind(t domain.EventType) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(string(t), "${1}_${2}"))
}

// NotifyEvent formats e and sends it if its kind is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, e domain.Event) error {
	title, message := Format(e)
	return n.Notify(ctx, Kind(e.Type), title, message)
}

// Notify sends title and message if kind is allowed.
func (n *Notifier) Notify(ctx context.Context, kind, title, message string) error {
	if len(n.kinds) > 0 && !n.kinds[kind] {
		n.logger.DebugContext(ctx, "notifier: kind filtered out", slog.String("kind", kind))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	return errors.Join(errs...)
}

// Format renders a human-readable title and body for e.
func Format(e domain.Event) (title, message string) {
	round := fmt.Sprintf("Round #%d", e.RoundID)
	switch e.Type {
	case domain.EventRoundCreated:
		return round + " created", fmt.Sprintf("Creator %s", e.Account.Hex())
	case domain.EventPredictionSubmitted:
		return round + " prediction", fmt.Sprintf("%s staked %s ETH", e.Account.Hex(), units.FormatEther(e.Amount))
	case domain.EventStakeAdded:
		return round + " stake added", fmt.Sprintf("%s added %s ETH", e.Account.Hex(), units.FormatEther(e.Amount))
	case domain.EventPredictionWithdrawn:
		return round + " withdrawal", fmt.Sprintf("%s withdrew %s ETH", e.Account.Hex(), units.FormatEther(e.Amount))
	case domain.EventRoundSettled:
		return round + " settled", fmt.Sprintf("Settlement price %d", e.Price)
	case domain.EventBatchRevealed:
		return round + " revealed", fmt.Sprintf("%d handles submitted for decryption", len(e.Handles))
	case domain.EventRoundVerified:
		return round + " verified", fmt.Sprintf("%d winner(s)", e.WinnerCount)
	case domain.EventRewardClaimed:
		return round + " reward claimed", fmt.Sprintf("%s claimed %s ETH", e.Account.Hex(), units.FormatEther(e.Amount))
	case domain.EventRoundSwept:
		return round + " swept", fmt.Sprintf("%s ETH returned to %s", units.FormatEther(e.Amount), e.Account.Hex())
	case domain.EventDeposited:
		return "Deposit", fmt.Sprintf("%s credited %s ETH", e.Account.Hex(), units.FormatEther(e.Amount))
	default:
		return round + " " + string(e.Type), ""
	}
}
