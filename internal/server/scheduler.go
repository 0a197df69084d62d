package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/heliodesk/heliodesk/internal/agent/core"
	"github.com/heliodesk/heliodesk/internal/store"
)

// Scheduler periodically refreshes health snapshots for every customer so
// dashboards stay warm between conversations. A redis SetNX lock keeps
// multiple replicas from refreshing the same customer at once.
type Scheduler struct {
	Store   *store.Store
	Rdb     *redis.Client
	Invoker core.ToolInvoker
	Cron    string
	LockTTL time.Duration
	Logger  *log.Logger
	Stop    chan struct{}

	lastRun time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.LockTTL == 0 {
		s.LockTTL = 2 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if s.due(time.Now()) {
					s.lastRun = time.Now()
					s.refreshAll()
				}
			}
		}
	}()
}

// due evaluates the cron spec against the last refresh. "@hourly" and
// "@daily" shortcuts avoid a parse; anything unparseable falls back to daily.
func (s *Scheduler) due(now time.Time) bool {
	if s.lastRun.IsZero() {
		return true
	}
	switch s.Cron {
	case "", "@hourly":
		return now.Sub(s.lastRun) >= time.Hour
	case "@daily":
		return now.Sub(s.lastRun) >= 24*time.Hour
	default:
		expr, err := cronexpr.Parse(s.Cron)
		if err != nil {
			return now.Sub(s.lastRun) >= 24*time.Hour
		}
		return !expr.Next(s.lastRun).After(now)
	}
}

func (s *Scheduler) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ids, err := s.Store.ListCustomerIDs(ctx)
	if err != nil {
		s.Logger.Printf("list customers: %v", err)
		return
	}
	card, ok := core.Lookup(string(core.ToolCalculateHealth))
	if !ok {
		return
	}
	for _, id := range ids {
		if s.Rdb != nil {
			lockKey := "sched:health:" + id
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", s.LockTTL).Result()
			if err != nil || !ok {
				continue
			}
		}
		res := s.Invoker.Invoke(ctx, card, id, nil)
		if !res.OK {
			s.Logger.Printf("health refresh for %s: %s", id, res.Error.Message)
			continue
		}
		var h core.HealthSnapshot
		if err := json.Unmarshal(res.Data, &h); err != nil {
			s.Logger.Printf("health refresh for %s: decode: %v", id, err)
			continue
		}
		if err := s.Store.SaveHealthSnapshot(ctx, id, h.Score, h.RiskLevel, h.Factors); err != nil {
			s.Logger.Printf("health refresh for %s: save: %v", id, err)
		}
	}
}
