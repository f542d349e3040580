package dispatch

import (
	"sync"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// Notifier surfaces user-visible messages.
type Notifier interface {
	Notify(key, message string)
}

type NotifierFunc func(key, message string)

func (f NotifierFunc) Notify(key, message string) { f(key, message) }

// LogNotifier writes notices to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(key, message string) {
	logger.WarnCF("notice", message, map[string]interface{}{"key": key})
}

// OnceNotifier forwards each key at most once until Reset.
type OnceNotifier struct {
	next Notifier
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewOnceNotifier(next Notifier) *OnceNotifier {
	if next == nil {
		next = LogNotifier{}
	}
	return &OnceNotifier{next: next, seen: make(map[string]struct{})}
}

func (n *OnceNotifier) Notify(key, message string) {
	n.mu.Lock()
	if _, ok := n.seen[key]; ok {
		n.mu.Unlock()
		return
	}
	n.seen[key] = struct{}{}
	n.mu.Unlock()
	n.next.Notify(key, message)
}

func (n *OnceNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = make(map[string]struct{})
}
