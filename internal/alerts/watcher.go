// Package alerts watches rejected-transfer events and raises a compliance
// alert when one account accumulates too many rejections inside a rolling
// window. The rejection log uses the same prefix-trim eviction as the quota
// ledger: timestamps arrive in non-decreasing order, so expired entries
// always sit at the front.
package alerts

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/assetguard/pkg/messaging"
)

// Config tunes the watcher.
type Config struct {
	Threshold int    // rejections inside the window that trip an alert
	Window    uint64 // rolling window in ledger seconds
	Cooldown  uint64 // minimum ledger seconds between alerts per account
}

// Watcher consumes transfer.rejected events and publishes compliance.alert.
type Watcher struct {
	cfg  Config
	nats *messaging.Client

	mu         sync.Mutex
	rejections map[string][]uint64
	lastAlert  map[string]uint64
}

func NewWatcher(cfg Config, msgClient *messaging.Client) *Watcher {
	return &Watcher{
		cfg:        cfg,
		nats:       msgClient,
		rejections: make(map[string][]uint64),
		lastAlert:  make(map[string]uint64),
	}
}

// Start subscribes to rejection events in a queue group so multiple watcher
// instances share the stream.
func (w *Watcher) Start(ctx context.Context) error {
	return w.nats.QueueSubscribe(messaging.EventTypeTransferRejected, "alerts", func(msg *nats.Msg) {
		w.handleRejection(ctx, msg.Data)
	})
}

func (w *Watcher) handleRejection(ctx context.Context, data []byte) {
	var event messaging.TransferEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("alerts: dropping malformed event: %v", err)
		return
	}

	// A transfer can be rejected on either side; the sender is the account
	// whose behavior we track.
	if count, tripped := w.Observe(event.FromAccount, event.LedgerTime); tripped {
		w.publishAlert(ctx, event.FromAccount, count, event.LedgerTime)
	}
}

// Observe records one rejection for an account at the given ledger time and
// reports whether the alert threshold was tripped. Exported so the decision
// logic is testable without a broker.
func (w *Watcher) Observe(account string, now uint64) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.rejections[account]
	i := 0
	for i < len(entries) && now >= w.cfg.Window && entries[i] <= now-w.cfg.Window {
		i++
	}
	entries = append(entries[i:], now)
	w.rejections[account] = entries

	if len(entries) < w.cfg.Threshold {
		return len(entries), false
	}
	if last, ok := w.lastAlert[account]; ok && now-last < w.cfg.Cooldown {
		return len(entries), false
	}
	w.lastAlert[account] = now
	return len(entries), true
}

func (w *Watcher) publishAlert(ctx context.Context, account string, count int, now uint64) {
	alert := messaging.ComplianceAlertEvent{
		AlertID:    uuid.New(),
		Account:    account,
		Rejections: count,
		Window:     w.cfg.Window,
		LedgerTime: now,
		Timestamp:  time.Now(),
	}
	if err := w.nats.Publish(ctx, messaging.EventTypeComplianceAlert, alert); err != nil {
		log.Printf("alerts: failed to publish alert for %s: %v", account, err)
	}
}
