// Package gateway wires the core together: store, model client, parser,
// scorer, tool registry, agent, channels, REST API and reminders, then runs
// the message loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stellarlinkco/flowtask/internal/agent"
	"github.com/stellarlinkco/flowtask/internal/api"
	"github.com/stellarlinkco/flowtask/internal/bus"
	"github.com/stellarlinkco/flowtask/internal/channel"
	"github.com/stellarlinkco/flowtask/internal/config"
	"github.com/stellarlinkco/flowtask/internal/llm"
	"github.com/stellarlinkco/flowtask/internal/parser"
	"github.com/stellarlinkco/flowtask/internal/remind"
	"github.com/stellarlinkco/flowtask/internal/scorer"
	"github.com/stellarlinkco/flowtask/internal/store"
	"github.com/stellarlinkco/flowtask/internal/tools"
)

const (
	errorReply = "Sorry, I encountered an error processing your message."
	quotaReply = "I'm over my usage quota right now. Please try again in a little while."
)

// Assistant runs one conversational turn for an owner.
type Assistant interface {
	Run(ctx context.Context, ownerID, message string) (string, error)
}

// AssistantFactory builds the assistant (allows mocking in tests).
type AssistantFactory func(cfg *config.Config, client llm.Client, registry *tools.Registry) Assistant

// Options for creating a Gateway
type Options struct {
	AssistantFactory AssistantFactory
	Client           llm.Client     // injected model client for tests
	SignalChan       chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.SQLiteStore
	assistant  Assistant
	channels   *channel.ChannelManager
	apiServer  *api.Server
	reminder   *remind.Service
	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "tasks.db")
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("create task store: %w", err)
	}
	g.store = s

	client := opts.Client
	if client == nil {
		client, err = llm.NewClient(context.Background(), llm.Config{
			Provider:  cfg.Provider.Type,
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
			Timeout:   60 * time.Second,
		})
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("create model client: %w", err)
		}
	}

	p := parser.New(client)
	sc := scorer.New(client)
	registry := tools.NewRegistry(g.store, p)

	factory := opts.AssistantFactory
	if factory == nil {
		factory = func(cfg *config.Config, client llm.Client, registry *tools.Registry) Assistant {
			return agent.New(client, registry, agent.WithMaxIterations(cfg.Agent.MaxToolIterations))
		}
	}
	g.assistant = factory(cfg, client, registry)

	g.apiServer = api.NewServer(cfg.Gateway, g.store, p, sc, g.assistant)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	if cfg.Reminder.Enabled {
		g.reminder = remind.NewService(cfg.Reminder, g.store, g.bus)
	}

	g.signalChan = opts.SignalChan

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.reminder != nil {
		if err := g.reminder.Start(ctx); err != nil {
			log.Printf("[gateway] reminder start warning: %v", err)
		}
	}

	go func() {
		if err := g.apiServer.Start(ctx); err != nil {
			log.Printf("[gateway] api server error: %v", err)
		}
	}()

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			result := g.handleMessage(ctx, msg.OwnerKey(), msg.Content)
			if result != "" {
				g.bus.Outbound <- bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: result,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, ownerID, content string) string {
	result, err := g.assistant.Run(ctx, ownerID, content)
	if err != nil {
		log.Printf("[gateway] agent error for %s: %v", ownerID, err)
		if errors.Is(err, llm.ErrRateLimited) {
			return quotaReply
		}
		return errorReply
	}
	return result
}

func (g *Gateway) Shutdown() error {
	if g.reminder != nil {
		g.reminder.Stop()
	}
	_ = g.channels.StopAll()
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
