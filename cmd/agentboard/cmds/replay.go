package cmds

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/progress"
	"github.com/agentboard/agentboard/pkg/redisstream"
	"github.com/agentboard/agentboard/pkg/stream"
	"github.com/agentboard/agentboard/pkg/ui"
)

func newReplayCmd() *cobra.Command {
	var (
		file    string
		queryID string
		toRedis bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded event stream (one JSON event per line)",
		Long: `Feed a recorded stream back through the merge and progress pipeline
and print the reconstructed final state. With --to-redis the events are
published to the live Redis stream instead, to feed a running session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := loadEvents(file)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return errors.Errorf("no events in %s", file)
			}
			if queryID == "" {
				queryID = events[0].QueryID
			}
			if queryID == "" {
				return errors.New("no query id in events, pass --query")
			}
			if toRedis {
				return publishToRedis(events, queryID)
			}
			return replayLocally(cmd, events, queryID)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "events file, one JSON event per line")
	cmd.Flags().StringVar(&queryID, "query", "", "query id (default: taken from the first event)")
	cmd.Flags().BoolVar(&toRedis, "to-redis", false, "publish events to the Redis stream instead of replaying locally")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadEvents(path string) ([]stream.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var events []stream.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := stream.ParseEvent(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		events = append(events, ev)
	}
	return events, errors.Wrapf(sc.Err(), "read %s", path)
}

func publishToRedis(events []stream.Event, queryID string) error {
	pub, err := redisstream.BuildPublisher(appCfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()
	for _, ev := range events {
		payload, err := ev.Marshal()
		if err != nil {
			return err
		}
		if err := pub.Publish(stream.Topic(queryID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
			return errors.Wrap(err, "publish event")
		}
	}
	fmt.Printf("published %d events to %s\n", len(events), stream.Topic(queryID))
	return nil
}

func replayLocally(cmd *cobra.Command, events []stream.Event, queryID string) error {
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(len(events)) + 1}, watermill.NopLogger{})
	defer func() { _ = bus.Close() }()
	mgr := stream.NewManager(func(string) (message.Subscriber, bool, error) {
		return bus, false, nil
	})

	tracker := progress.NewTracker(progress.WithGrace(0))
	var snap *analysis.Snapshot
	done := make(chan struct{})

	_, err := mgr.Open(cmd.Context(), queryID, stream.Callbacks{
		OnUpdate: func(u analysis.Update) {
			snap = analysis.Merge(snap, u)
			tracker.Observe(snap)
		},
		OnDone: func(u analysis.Update) {
			snap = analysis.Merge(snap, u)
			tracker.Observe(snap)
			close(done)
		},
		OnError: func(err error) {
			fmt.Println("stream error:", err)
			close(done)
		},
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		payload, err := ev.Marshal()
		if err != nil {
			return err
		}
		if err := bus.Publish(stream.Topic(queryID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
			return errors.Wrap(err, "publish event")
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		fmt.Println("no terminal event within 10s, showing partial state")
	}

	if view := tracker.View(); len(view) > 0 {
		fmt.Println(ui.Agents(view))
		fmt.Println()
	}
	if snap == nil {
		fmt.Println("no updates decoded")
		return nil
	}
	fmt.Printf("query %s: %s at %d%%\n", snap.QueryID, snap.Status, snap.Progress)
	if snap.Result != "" {
		fmt.Println()
		fmt.Println(snap.Result)
	}
	if report := ui.Report(snap); report != "" {
		fmt.Println()
		fmt.Println(report)
	}
	return nil
}
