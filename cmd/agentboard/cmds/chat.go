package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentboard/agentboard/pkg/backend"
	"github.com/agentboard/agentboard/pkg/config"
	"github.com/agentboard/agentboard/pkg/conversation"
	"github.com/agentboard/agentboard/pkg/orchestrator"
	"github.com/agentboard/agentboard/pkg/persistence/chatstore"
	"github.com/agentboard/agentboard/pkg/redisstream"
	"github.com/agentboard/agentboard/pkg/stream"
	"github.com/agentboard/agentboard/pkg/ui"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive analysis conversation",
		Long: `Start an interactive conversation with the analysis backend.

Commands inside the session:
  /approve [feedback]    approve the presented execution plan
  /upload <path> <text>  submit a query with a file attached
  /resync                re-attach to the in-flight query's stream
  /quit                  leave`,
		RunE: runChat,
	}
}

// buildSubscriberFactory picks the stream transport: per-query Redis
// Streams subscribers when enabled, websocket push otherwise. Both are
// owned by their handle so teardown closes the transport.
func buildSubscriberFactory(cfg config.Config) stream.SubscriberFactory {
	if cfg.Redis.Enabled {
		return func(queryID string) (message.Subscriber, bool, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := redisstream.EnsureGroupAtTail(ctx, cfg.Redis.Addr, stream.Topic(queryID), cfg.Redis.Group); err != nil {
				return nil, false, err
			}
			sub, err := redisstream.BuildSubscriber(cfg.Redis, cfg.Redis.Consumer)
			return sub, true, err
		}
	}
	return func(string) (message.Subscriber, bool, error) {
		return stream.NewWSSubscriber(cfg.BackendURL, nil), true, nil
	}
}

// chatPrinter writes conversation output incrementally: each message is
// printed once by id, progress lines whenever they change.
type chatPrinter struct {
	orch *orchestrator.Orchestrator

	mu           sync.Mutex
	printed      map[string]bool
	lastProgress string
}

func newChatPrinter() *chatPrinter {
	return &chatPrinter{printed: map[string]bool{}}
}

func (p *chatPrinter) markPrinted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed[id] = true
}

func (p *chatPrinter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.orch.Messages() {
		if p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		if m.Role == conversation.RoleUser {
			// The user just typed it.
			continue
		}
		fmt.Println()
		fmt.Println(ui.Message(m))
	}
	if p.orch.IsStreaming() {
		if line := ui.Agents(p.orch.AgentProgress()); line != "" && line != p.lastProgress {
			p.lastProgress = line
			fmt.Println()
			fmt.Println(line)
		}
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg := appCfg
	if cfg.Project == "" {
		return errors.New("project id required (--project, AGENTBOARD_PROJECT, or config file)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history chatstore.Store
	if cfg.HistoryPath != "" {
		s, err := chatstore.NewSQLiteStore(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		history = s
	}

	printer := newChatPrinter()
	orch := orchestrator.New(orchestrator.Config{
		ProjectID: cfg.Project,
		Backend:   backend.New(cfg.BackendURL),
		Streams:   stream.NewManager(buildSubscriberFactory(cfg)),
		History:   history,
		OnChange:  func() { printer.flush() },
	})
	printer.orch = orch
	defer orch.Close()

	if err := orch.HydrateHistory(ctx); err != nil {
		log.Warn().Err(err).Msg("could not hydrate local history")
	}
	if msgs := orch.Messages(); len(msgs) > 0 {
		fmt.Println(ui.Conversation(msgs))
		for _, m := range msgs {
			printer.markPrinted(m.ID)
		}
	}

	fmt.Printf("connected to %s (project %s)\n", cfg.BackendURL, cfg.Project)

	lines := make(chan string)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-egCtx.Done():
				return nil
			}
		}
		return sc.Err()
	})
	eg.Go(func() error {
		for {
			fmt.Print("> ")
			select {
			case <-egCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := handleLine(egCtx, orch, line)
				if err != nil {
					fmt.Println(ui.Message(conversation.Message{
						Role:     conversation.RoleSystem,
						Content:  err.Error(),
						Metadata: conversation.Metadata{Error: true},
					}))
				}
				if quit {
					return nil
				}
				printer.flush()
			}
		}
	})
	return eg.Wait()
}

func handleLine(ctx context.Context, orch *orchestrator.Orchestrator, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/resync":
		if err := orch.Resync(ctx); errors.Is(err, orchestrator.ErrReloadRequired) {
			return false, orch.HydrateHistory(ctx)
		} else if err != nil {
			return false, err
		}
		return false, nil
	case strings.HasPrefix(line, "/approve"):
		feedback := strings.TrimSpace(strings.TrimPrefix(line, "/approve"))
		return false, orch.Approve(ctx, feedback)
	case strings.HasPrefix(line, "/upload "):
		return false, submitUpload(ctx, orch, strings.TrimPrefix(line, "/upload "))
	case strings.HasPrefix(line, "/"):
		return false, errors.Errorf("unknown command %q", line)
	default:
		return false, orch.Submit(ctx, line)
	}
}

func submitUpload(ctx context.Context, orch *orchestrator.Orchestrator, rest string) error {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 {
		return errors.New("usage: /upload <path> <question>")
	}
	path, text := parts[0], strings.TrimSpace(parts[1])

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}

	files := []backend.File{{Name: filepath.Base(path), Size: info.Size(), Reader: f}}
	return orch.SubmitWithFiles(ctx, text, files, func(pct int) {
		fmt.Printf("\ruploading %s %d%%", filepath.Base(path), pct)
		if pct >= 100 {
			fmt.Println()
		}
	})
}
