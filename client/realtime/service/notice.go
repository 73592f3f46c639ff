package service

import (
	"slices"
	"sync"
	"time"

	commonlog "crm_realtime/client/common/log"
	"crm_realtime/client/realtime/domain"
)

const defaultRecentNotices = 50

// NoticeSink receives user-facing notices (connected, queued, send failed).
type NoticeSink interface {
	Notify(n domain.Notice)
}

type NoticeSinkFunc func(n domain.Notice)

func (f NoticeSinkFunc) Notify(n domain.Notice) { f(n) }

// Notices logs every notice, keeps the most recent ones for UI polling and
// fans them out to extra sinks.
type Notices struct {
	mu     sync.RWMutex
	recent []domain.Notice
	limit  int
	sinks  []NoticeSink
	now    func() time.Time
}

func NewNotices(limit int, now func() time.Time, sinks ...NoticeSink) *Notices {
	if limit <= 0 {
		limit = defaultRecentNotices
	}
	if now == nil {
		now = time.Now
	}
	return &Notices{limit: limit, now: now, sinks: sinks}
}

func (n *Notices) AddSink(sink NoticeSink) {
	if sink == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, sink)
}

func (n *Notices) Success(message string) { n.emit(domain.NoticeSuccess, message) }
func (n *Notices) Warning(message string) { n.emit(domain.NoticeWarning, message) }
func (n *Notices) Error(message string)   { n.emit(domain.NoticeError, message) }

// Recent returns the kept notices, oldest first.
func (n *Notices) Recent() []domain.Notice {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.recent)
}

func (n *Notices) emit(level domain.NoticeLevel, message string) {
	notice := domain.Notice{Level: level, Message: message, At: n.now()}
	switch level {
	case domain.NoticeError:
		commonlog.Errorf("event=notice level=%s message=%q", level, message)
	case domain.NoticeWarning:
		commonlog.Warnf("event=notice level=%s message=%q", level, message)
	default:
		commonlog.Infof("event=notice level=%s message=%q", level, message)
	}

	n.mu.Lock()
	n.recent = append(n.recent, notice)
	if over := len(n.recent) - n.limit; over > 0 {
		n.recent = slices.Delete(n.recent, 0, over)
	}
	sinks := slices.Clone(n.sinks)
	n.mu.Unlock()

	for _, sink := range sinks {
		sink.Notify(notice)
	}
}
