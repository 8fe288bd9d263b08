package room

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jeong-sik/masc-mcp-sub011/pkg/storage"
)

const (
	messageSeqKey    = "messages/seq"
	messageKeyPrefix = "messages/m"
)

// messageKey pads the sequence number so lexicographic scan order equals
// sequence order.
func messageKey(seq int64) string {
	return fmt.Sprintf("%s%020d", messageKeyPrefix, seq)
}

// mentionPattern matches @name tokens, including the two-segment
// @name/variant convention for stateful/stateless agent variants.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+(?:/[A-Za-z0-9_-]+)?)`)

// ExtractMentions returns the bag of mentioned names in content.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, m[1])
	}
	return mentions
}

// Broadcast appends a message to the room's ordered log and notifies every
// subscribed session; mentioned agents additionally get a mention
// notification.
//
// Sequence allocation reserves the message key itself with a
// compare-and-put against absence, probing upward on collision, so numbers
// are strictly increasing and gap-free at commit time. The counter key is
// advanced afterwards as a read hint, never as the source of truth.
func (r *Room) Broadcast(ctx context.Context, sender, content string) (*Message, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	if err := ValidateAgentName(sender); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}

	mentions := ExtractMentions(content)
	next, err := r.readSeqHint(ctx)
	if err != nil {
		return nil, err
	}
	next++

	var msg *Message
	for attempt := 0; attempt < casAttempts*4; attempt++ {
		candidate := &Message{
			Seq:       next,
			Sender:    sender,
			Content:   content,
			Mentions:  mentions,
			Timestamp: r.stampMonotonic(),
		}
		raw, err := json.Marshal(candidate)
		if err != nil {
			return nil, err
		}
		var ok bool
		err = storage.WithRetry(ctx, func() error {
			var casErr error
			ok, casErr = r.store.CompareAndPut(ctx, messageKey(next), nil, raw)
			return casErr
		})
		if err != nil {
			return nil, err
		}
		if ok {
			msg = candidate
			break
		}
		next++ // another writer took this seq; probe the next one
	}
	if msg == nil {
		return nil, ErrConflict
	}

	r.advanceSeqHint(ctx, msg.Seq)
	r.notifier.Notify(NotifyMessage, msg)
	for _, mention := range mentions {
		// Variant mentions route to the base agent name.
		base := mention
		if i := strings.IndexByte(base, '/'); i > 0 {
			base = base[:i]
		}
		r.notifier.NotifyAgent(base, NotifyMention, msg)
	}
	return msg, nil
}

// GetMessages returns up to limit messages with seq > sinceSeq in sequence
// order. limit <= 0 means no limit. This is the read-only snapshot consumed
// by the dashboard projection.
func (r *Room) GetMessages(ctx context.Context, sinceSeq int64, limit int) ([]Message, error) {
	if err := r.checkInitialized(); err != nil {
		return nil, err
	}
	msgs, err := scanJSON[Message](ctx, r, messageKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SweepMessages deletes messages older than keeping the newest keep entries.
// Domain state remains the durable record; the SSE replay ring is separate.
func (r *Room) SweepMessages(ctx context.Context, keep int) (int, error) {
	if err := r.checkInitialized(); err != nil {
		return 0, err
	}
	msgs, err := scanJSON[Message](ctx, r, messageKeyPrefix)
	if err != nil {
		return 0, err
	}
	if keep <= 0 || len(msgs) <= keep {
		return 0, nil
	}
	drop := msgs[:len(msgs)-keep]
	for _, m := range drop {
		if err := r.store.Delete(ctx, messageKey(m.Seq)); err != nil {
			return 0, err
		}
	}
	return len(drop), nil
}

// readSeqHint reads the counter key; 0 when absent. The hint may lag the
// true maximum; Broadcast probes past it.
func (r *Room) readSeqHint(ctx context.Context) (int64, error) {
	raw, found, err := r.store.Get(ctx, messageSeqKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: message seq counter: %v", storage.ErrCorruptValue, err)
	}
	return seq, nil
}

// advanceSeqHint raises the counter to at least seq. Best effort; losing a
// race to a higher writer is fine.
func (r *Room) advanceSeqHint(ctx context.Context, seq int64) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, found, err := r.store.Get(ctx, messageSeqKey)
		if err != nil {
			return
		}
		var expected []byte
		if found {
			current, perr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
			if perr == nil && current >= seq {
				return
			}
			expected = raw
		}
		ok, err := r.store.CompareAndPut(ctx, messageSeqKey, expected, []byte(strconv.FormatInt(seq, 10)))
		if err != nil || ok {
			return
		}
	}
}

// stampMonotonic returns a timestamp that never runs backwards within this
// process, keeping message timestamps ordered with sequence numbers.
func (r *Room) stampMonotonic() (t time.Time) {
	r.stampMu.Lock()
	defer r.stampMu.Unlock()
	t = r.now().UTC()
	if !t.After(r.lastStamp) {
		t = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = t
	return t
}
