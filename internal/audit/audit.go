// Package audit records connection changes and engine operations in the
// database, and answers filtered queries over them.
package audit

import (
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/KingCide/Mariner/internal/database"
	"github.com/KingCide/Mariner/internal/logutil"
	"github.com/KingCide/Mariner/internal/registry"
)

// Event types.
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventConnectFailed = "connect_failed"
	EventContainerOp   = "container_op"
	EventBatch         = "batch"
	EventImageOp       = "image_op"
	EventHostSaved     = "host_saved"
	EventHostDeleted   = "host_deleted"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const DefaultRetentionDays = 90

type Entry struct {
	HostID    string
	EventType string
	Target    string
	Outcome   string
	SourceIP  string
	Details   string
}

type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor writes to db. A non-positive retentionDays means
// DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

func (a *Auditor) Log(e Entry) error {
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	rec := database.AuditEvent{
		HostID:    e.HostID,
		EventType: e.EventType,
		Target:    e.Target,
		Outcome:   e.Outcome,
		SourceIP:  e.SourceIP,
		Details:   logutil.SanitizeForLog(e.Details),
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		log.Warnf("[audit] failed to write event: %v", err)
		return err
	}
	log.WithFields(log.Fields{
		"host":    logutil.SanitizeForLog(e.HostID),
		"target":  logutil.SanitizeForLog(e.Target),
		"outcome": e.Outcome,
		"ip":      e.SourceIP,
	}).Debugf("[audit] %s", e.EventType)
	return nil
}

type QueryOptions struct {
	HostID    string
	EventType string
	Outcome   string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

type QueryResult struct {
	Entries []database.AuditEvent `json:"entries"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// Query returns matching events newest first. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditEvent{})
	if opts.HostID != "" {
		tx = tx.Where("host_id = ?", opts.HostID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Outcome != "" {
		tx = tx.Where("outcome = ?", opts.Outcome)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	opts.Limit = min(opts.Limit, 1000)
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []database.AuditEvent{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes events older than days, or older than the
// retention period when days is not positive.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditEvent{})
	if res.Error != nil {
		log.Warnf("[audit] purge failed: %v", res.Error)
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("[audit] purged %d event(s) older than %d days", res.RowsAffected, days)
	}
	return res.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int { return a.retentionDays }

func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }

// WatchRegistry records connects, disconnects and failures reported by r.
func (a *Auditor) WatchRegistry(r *registry.Registry) {
	r.OnStateChange(func(hostID string, from, to registry.State, reason string) {
		switch to {
		case registry.StateConnected:
			a.Log(Entry{HostID: hostID, EventType: EventConnected})
		case registry.StateDisconnected:
			if from == registry.StateConnected {
				a.Log(Entry{HostID: hostID, EventType: EventDisconnected, Details: reason})
			}
		case registry.StateError:
			ev := EventConnectFailed
			if from == registry.StateConnected {
				ev = EventDisconnected
			}
			a.Log(Entry{HostID: hostID, EventType: ev, Outcome: OutcomeFailure, Details: reason})
		}
	})
}

var (
	global   *Auditor
	globalMu sync.RWMutex
)

// SetGlobal installs the auditor used by Record. nil disables recording.
func SetGlobal(a *Auditor) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = a
}

func Global() *Auditor {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Record logs e through the global auditor, if any.
func Record(e Entry) {
	if a := Global(); a != nil {
		a.Log(e)
	}
}

// RecordResult logs e with its outcome and details taken from err.
func RecordResult(e Entry, err error) {
	if err != nil {
		e.Outcome = OutcomeFailure
		e.Details = err.Error()
	}
	Record(e)
}

// SourceIP returns the client address of r without the port. RealIP
// middleware has already applied forwarding headers to RemoteAddr.
func SourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
