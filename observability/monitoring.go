package observability

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ChatStats is the snapshot served on /stats.
type ChatStats struct {
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesEdited    uint64  `json:"messages_edited"`
	MessagesDeleted   uint64  `json:"messages_deleted"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	EventsDelivered   uint64  `json:"events_delivered"`
	SessionsDropped   uint64  `json:"sessions_dropped"`
	Notifications     uint64  `json:"notifications"`
	ErrorCount        uint64  `json:"error_count"`

	OnlineUsers         int `json:"online_users"`
	LiveSessions        int `json:"live_sessions"`
	ActiveConversations int `json:"active_conversations"`

	AllocMemMb uint64  `json:"alloc_mem_mb"`
	NumGC      uint32  `json:"num_gc"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	UpdatedAt  string  `json:"updated_at"`
}

// Gauges reports point-in-time sizes owned by other components.
type Gauges func() (onlineUsers, liveSessions, activeConversations int)

// MonitoringManager aggregates counters from the write path and refreshes a snapshot every tick.
type MonitoringManager struct {
	log         *slog.Logger
	mu          sync.RWMutex
	latestStats ChatStats
	gauges      Gauges
	proc        *process.Process

	messagesSent    atomic.Uint64
	messagesEdited  atomic.Uint64
	messagesDeleted atomic.Uint64
	eventsDelivered atomic.Uint64
	sessionsDropped atomic.Uint64
	notifications   atomic.Uint64
	errorCount      atomic.Uint64

	lastCheck time.Time
	lastSent  uint64
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	mm := &MonitoringManager{log: log, lastCheck: time.Now()}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process stats unavailable", "error", err)
	} else {
		mm.proc = p
	}
	return mm
}

// WithGauges sets the source of online users, sessions and conversations.
func (mm *MonitoringManager) WithGauges(g Gauges) *MonitoringManager {
	mm.gauges = g
	return mm
}

func (mm *MonitoringManager) IncrMessagesSent()    { mm.messagesSent.Add(1) }
func (mm *MonitoringManager) IncrMessagesEdited()  { mm.messagesEdited.Add(1) }
func (mm *MonitoringManager) IncrMessagesDeleted() { mm.messagesDeleted.Add(1) }
func (mm *MonitoringManager) IncrEventsDelivered() { mm.eventsDelivered.Add(1) }
func (mm *MonitoringManager) IncrSessionsDropped() { mm.sessionsDropped.Add(1) }
func (mm *MonitoringManager) IncrNotifications()   { mm.notifications.Add(1) }
func (mm *MonitoringManager) IncrErrorCount()      { mm.errorCount.Add(1) }

// Listen refreshes the snapshot every interval until ctx is done.
func (mm *MonitoringManager) Listen(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			mm.log.Debug("Monitoring manager stopped")
			return nil
		case <-ticker.C:
			mm.Refresh()
		}
	}
}

// Refresh recomputes the snapshot now.
func (mm *MonitoringManager) Refresh() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := time.Now()
	sent := mm.messagesSent.Load()
	if elapsed := now.Sub(mm.lastCheck).Seconds(); elapsed > 0 {
		mm.latestStats.MessagesPerSecond = float64(sent-mm.lastSent) / elapsed
	}
	mm.lastCheck = now
	mm.lastSent = sent

	mm.latestStats.MessagesSent = sent
	mm.latestStats.MessagesEdited = mm.messagesEdited.Load()
	mm.latestStats.MessagesDeleted = mm.messagesDeleted.Load()
	mm.latestStats.EventsDelivered = mm.eventsDelivered.Load()
	mm.latestStats.SessionsDropped = mm.sessionsDropped.Load()
	mm.latestStats.Notifications = mm.notifications.Load()
	mm.latestStats.ErrorCount = mm.errorCount.Load()

	if mm.gauges != nil {
		mm.latestStats.OnlineUsers, mm.latestStats.LiveSessions, mm.latestStats.ActiveConversations = mm.gauges()
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.latestStats.AllocMemMb = m.Alloc / 1024 / 1024
	mm.latestStats.NumGC = m.NumGC

	if mm.proc != nil {
		if memInfo, err := mm.proc.MemoryInfo(); err == nil {
			mm.latestStats.RSSBytes = memInfo.RSS
		}
		if cpu, err := mm.proc.CPUPercent(); err == nil {
			mm.latestStats.CPUPercent = cpu
		}
	}
	mm.latestStats.UpdatedAt = now.UTC().Format(time.RFC3339)

	mm.log.Debug("Stats refreshed",
		"messages_per_second", mm.latestStats.MessagesPerSecond,
		"online_users", mm.latestStats.OnlineUsers,
		"live_sessions", mm.latestStats.LiveSessions,
		"mem_mb", mm.latestStats.AllocMemMb,
	)
}

func (mm *MonitoringManager) GetLatest() ChatStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}
