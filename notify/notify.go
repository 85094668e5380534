// Package notify sends operator notifications to Discord for block wins,
// fatal errors, and cache-pressure events. Grounded on the teacher's
// discord_notifier_queue.go: a bounded, coalescing notice queue drained by
// a single background goroutine, with a pool-name prefix on every line.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

const (
	maxQueuedNotices = 64
	maxNoticeChars   = 1000
)

// Notifier queues and sends Discord notices without ever blocking the
// caller (validator workers, the orchestrator's periodic tasks) on
// network I/O.
type Notifier struct {
	session   *discordgo.Session
	channelID string
	prefix    string

	mu      sync.Mutex
	queue   []string
	dropped uint64

	wakeup chan struct{}
	done   chan struct{}
}

// New constructs a Notifier bound to channelID, using botToken to
// authenticate. If botToken is empty, the notifier runs in a no-op mode
// (every enqueue is dropped) so an operator can leave Discord unconfigured
// without the orchestrator failing to start.
func New(botToken, channelID, poolName string) (*Notifier, error) {
	n := &Notifier{
		channelID: channelID,
		prefix:    fmt.Sprintf("[%s] ", poolName),
		wakeup:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if botToken == "" {
		return n, nil
	}
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	n.session = sess
	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("notify: discord open: %w", err)
	}
	go n.run()
	return n, nil
}

func (n *Notifier) run() {
	for {
		select {
		case <-n.wakeup:
			n.flush()
		case <-n.done:
			return
		}
	}
}

func (n *Notifier) flush() {
	n.mu.Lock()
	pending := n.queue
	n.queue = nil
	n.mu.Unlock()

	if len(pending) == 0 || n.session == nil {
		return
	}
	content := strings.Join(pending, "\n")
	if len(content) > maxNoticeChars {
		content = content[:maxNoticeChars]
	}
	_, _ = n.session.ChannelMessageSend(n.channelID, content)
}

func (n *Notifier) enqueue(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	n.mu.Lock()
	if len(n.queue) >= maxQueuedNotices {
		n.dropped++
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, n.prefix+line)
	n.mu.Unlock()

	select {
	case n.wakeup <- struct{}{}:
	default:
	}
}

// NotifyBlockFound announces a winning block to the operator channel.
func (n *Notifier) NotifyBlockFound(launcherID [32]byte, height uint64) {
	n.enqueue(fmt.Sprintf("block found at height %d, absorbed by singleton %x", height, launcherID))
}

// NotifyFatal announces an unrecoverable error before the orchestrator
// transitions to its Error terminal state (spec §7).
func (n *Notifier) NotifyFatal(reason string) {
	n.enqueue("FATAL: " + reason)
}

// NotifyCachePressure announces a verification cache partition nearing its
// budget, so an operator can raise it proactively.
func (n *Notifier) NotifyCachePressure(partition string, usedPercent float64) {
	n.enqueue(fmt.Sprintf("cache partition %q at %.1f%% of budget", partition, usedPercent))
}

// Close flushes any pending notices and shuts down the background
// goroutine.
func (n *Notifier) Close(ctx context.Context) error {
	n.flush()
	if n.session != nil {
		close(n.done)
		return n.session.Close()
	}
	return nil
}
