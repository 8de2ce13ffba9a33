package telegram

import (
	"context"
	"encoding/json"
	"fmt"

	"flareguard/internal/channel"
	"flareguard/internal/registry"
	"flareguard/pkg/logx"
)

// rawUpdate is the slice of the Bot API update envelope discovery cares
// about: the update sequence number and the originating chat.
type rawUpdate struct {
	ID      int64 `json:"update_id"`
	Message *struct {
		Chat *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Discover fetches pending updates past the persisted cursor and
// registers every chat that has messaged the bot. New subscribers start
// receiving alerts from the next dispatch. Replaying the same updates is
// harmless: registration deduplicates and the cursor only moves forward.
func (a *Adapter) Discover(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cursor, err := a.reg.Cursor()
	if err != nil {
		return nil, fmt.Errorf("telegram: read cursor: %w", err)
	}

	payload := map[string]any{
		"offset":  cursor + 1,
		"timeout": int(a.cfg.PollTimeout.Seconds()),
	}
	a.mu.Lock()
	raw, err := a.bot.Raw("getUpdates", payload)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}

	var resp struct {
		Result []rawUpdate `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}

	events := make([]registry.DiscoveryEvent, 0, len(resp.Result))
	for _, u := range resp.Result {
		ev := registry.DiscoveryEvent{UpdateID: u.ID}
		if u.Message != nil && u.Message.Chat != nil {
			ev.SenderID = u.Message.Chat.ID
		}
		events = append(events, ev)
	}
	return a.reg.DiscoverNew(events)
}

// Verify probes a chat with a typing action. Only an authorization-class
// failure marks the chat invalid; timeouts and network trouble say
// nothing about the subscription itself.
func (a *Adapter) Verify(ctx context.Context, chatID int64) bool {
	if err := ctx.Err(); err != nil {
		return true
	}
	a.mu.Lock()
	_, err := a.bot.Raw("sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	a.mu.Unlock()
	if err == nil {
		return true
	}
	return channel.Classify(err) != channel.ClassAuth
}

// VerifySweep probes every registered subscriber and prunes the ones the
// provider rejects outright.
func (a *Adapter) VerifySweep(ctx context.Context) error {
	subs, err := a.reg.Load()
	if err != nil {
		return fmt.Errorf("telegram: load subscribers: %w", err)
	}

	var invalid []int64
	for _, id := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.Verify(ctx, id) {
			invalid = append(invalid, id)
			a.log.Warn("subscriber failed verification", logx.Int64("chat_id", id))
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	if err := a.reg.Remove(invalid...); err != nil {
		return fmt.Errorf("telegram: prune after sweep: %w", err)
	}
	a.log.Info("pruned unreachable subscribers", logx.Any("chat_ids", invalid), logx.Int("count", len(invalid)))
	return nil
}
