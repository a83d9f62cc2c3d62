// Package remind delivers a daily digest of tasks coming due, pushed through
// the outbound bus to a configured chat.
package remind

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/stellarlinkco/flowtask/internal/bus"
	"github.com/stellarlinkco/flowtask/internal/config"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/task"
)

// dueWindow is how far ahead the digest looks.
const dueWindow = 24 * time.Hour

type Service struct {
	cfg   config.ReminderConfig
	store store.Store
	bus   *bus.MessageBus
	cron  *rcron.Cron
	now   func() time.Time
}

func NewService(cfg config.ReminderConfig, s store.Store, b *bus.MessageBus) *Service {
	return &Service{
		cfg:   cfg,
		store: s,
		bus:   b,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Channel == "" || s.cfg.ChatID == "" {
		return fmt.Errorf("reminder channel and chatId are required")
	}

	s.cron = rcron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if err := s.RunDigest(ctx); err != nil {
			log.Printf("[remind] digest failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register reminder schedule %q: %w", s.cfg.Schedule, err)
	}

	s.cron.Start()
	log.Printf("[remind] scheduled digest %q for %s:%s", s.cfg.Schedule, s.cfg.Channel, s.cfg.ChatID)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunDigest scans the configured owner's pending tasks and sends one message
// listing everything due within the window. No due tasks means no message.
func (s *Service) RunDigest(ctx context.Context) error {
	ownerID := s.cfg.Channel + ":" + s.cfg.ChatID
	tasks, err := s.store.GetTasksForOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	due := dueTasks(tasks, s.now())
	if len(due) == 0 {
		log.Printf("[remind] nothing due for %s", ownerID)
		return nil
	}

	s.bus.Outbound <- bus.OutboundMessage{
		Channel: s.cfg.Channel,
		ChatID:  s.cfg.ChatID,
		Content: formatDigest(due),
	}
	log.Printf("[remind] sent digest with %d tasks to %s", len(due), ownerID)
	return nil
}

func dueTasks(tasks []task.Task, now time.Time) []task.Task {
	var due []task.Task
	cutoff := now.Add(dueWindow)
	for _, t := range tasks {
		if t.Status != task.StatusPending || t.DueDate == nil {
			continue
		}
		if t.DueDate.Before(cutoff) {
			due = append(due, t)
		}
	}
	task.SortByPriority(due)
	return due
}

func formatDigest(due []task.Task) string {
	var b strings.Builder
	b.WriteString("**Tasks due in the next 24 hours:**\n")
	for _, t := range due {
		fmt.Fprintf(&b, "- %s (%s, due %s)\n",
			t.Title, t.EffectivePriority(), t.DueDate.Format("Jan 2 15:04"))
	}
	return b.String()
}
