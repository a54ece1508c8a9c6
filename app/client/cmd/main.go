package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lk2023060901/flock/app/client/internal/connection"
	"github.com/lk2023060901/flock/app/client/internal/fetch"
	"github.com/lk2023060901/flock/pkg/app"
	"github.com/lk2023060901/flock/pkg/httpclient"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/protocol"
	"github.com/lk2023060901/flock/pkg/retry"
)

// FetchConfig 并发读取配置
type FetchConfig struct {
	Workers   int      `mapstructure:"workers"`
	Resources []string `mapstructure:"resources"`
}

// Config 客户端配置
type Config struct {
	Log        logger.Config     `mapstructure:"log"`
	HTTP       httpclient.Config `mapstructure:"http"`
	Retry      retry.Config      `mapstructure:"retry"`
	Connection connection.Config `mapstructure:"connection"`
	Fetch      FetchConfig       `mapstructure:"fetch"`
}

func defaultConfig() *Config {
	host, _ := os.Hostname()
	conn := connection.DefaultConfig()
	conn.Hostname = host
	return &Config{
		Log:        *logger.DefaultConfig(),
		HTTP:       *httpclient.DefaultConfig(),
		Retry:      retry.DefaultConfig(),
		Connection: *conn,
		Fetch: FetchConfig{
			Workers:   4,
			Resources: []string{"members", "events", "donations"},
		},
	}
}

var (
	mode    = pflag.StringP("mode", "m", "watch", "watch | fetch | active | broadcast | send | upload")
	message = pflag.String("message", "", "message body for broadcast/send")
	target  = pflag.String("target", "", "target client address, empty for broadcast")
	sender  = pflag.String("sender", "", "sender name for broadcast")
	file    = pflag.String("file", "", "file to upload")
)

func main() {
	cfg := defaultConfig()
	if err := app.LoadConfig(cfg); err != nil {
		panic(err)
	}

	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("client exited with error", "mode", *mode, "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, l logger.Logger) error {
	client, err := newClient(cfg, l)
	if err != nil {
		return err
	}

	switch *mode {
	case "watch":
		return watch(ctx, cfg, client, l)
	case "fetch":
		return fetchAll(ctx, cfg, client, l)
	case "active":
		return listActive(ctx, client)
	case "broadcast":
		resp, err := client.Broadcast(ctx, protocol.BroadcastRequest{Message: *message, Target: *target, Sender: *sender})
		if err != nil {
			return userError(err)
		}
		fmt.Printf("message %d posted\n", resp.MessageID)
		return nil
	case "send":
		return oneShot(ctx, cfg, client, l, connection.EventSent, func(m *connection.Machine) error {
			return m.Send(ctx, *message, *target)
		})
	case "upload":
		content, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		return oneShot(ctx, cfg, client, l, connection.EventUploaded, func(m *connection.Machine) error {
			return m.Upload(ctx, *file, content)
		})
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

// newClient 组装 请求执行器 -> 重试策略 -> 类型化客户端
func newClient(cfg *Config, l logger.Logger) (*protocol.Client, error) {
	exec, err := httpclient.New(&cfg.HTTP, l)
	if err != nil {
		return nil, err
	}
	policy, err := retry.New(cfg.Retry, retry.WithLogger(l), retry.WithObserver(func(a retry.Attempt) {
		if a.Outcome != retry.OutcomeSuccess {
			l.Debug("attempt finished", "op", a.Op, "attempt", a.Number, "outcome", a.Outcome, "elapsed", a.Elapsed, "backoff", a.Backoff)
		}
	}))
	if err != nil {
		return nil, err
	}
	return protocol.NewClient(exec, policy, l), nil
}

func watch(ctx context.Context, cfg *Config, client *protocol.Client, l logger.Logger) error {
	m, err := connection.New(&cfg.Connection, client, l)
	if err != nil {
		return err
	}
	if err := m.Connect(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = m.Close()
	}()

	for e := range m.Events() {
		printEvent(e)
		// 非主动断开的终止事件直接退出
		if e.Err != nil && e.Type.Terminal() {
			_ = m.Close()
			return userError(e.Err)
		}
	}
	return nil
}

// oneShot 连接后执行一次操作，等到 want 事件后断开
func oneShot(ctx context.Context, cfg *Config, client *protocol.Client, l logger.Logger, want connection.EventType, do func(*connection.Machine) error) error {
	c := cfg.Connection
	// 一次性操作不需要长时间轮询
	c.PollInterval = time.Minute
	m, err := connection.New(&c, client, l)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Connect(ctx); err != nil {
		return err
	}
	for e := range m.Events() {
		printEvent(e)
		switch e.Type {
		case connection.EventConnected:
			if err := do(m); err != nil {
				return err
			}
		case want:
			return nil
		case connection.EventActionFailed, connection.EventConnectFailed, connection.EventFailed:
			return userError(e.Err)
		}
	}
	return nil
}

func fetchAll(ctx context.Context, cfg *Config, client *protocol.Client, l logger.Logger) error {
	coord, err := fetch.New(cfg.Fetch.Workers, l)
	if err != nil {
		return err
	}
	defer coord.Close()

	tasks := make([]fetch.Task, len(cfg.Fetch.Resources))
	for i, r := range cfg.Fetch.Resources {
		tasks[i] = fetch.RecordTask(client, r)
	}

	b := coord.Run(ctx, tasks...)
	failed := 0
	for r := range b.Results() {
		if r.Err != nil {
			failed++
			fmt.Printf("%-12s failed after %s: %s\n", r.Name, r.Elapsed.Round(time.Millisecond), describe(r.Err))
			continue
		}
		fmt.Printf("%-12s ok in %s\n", r.Name, r.Elapsed.Round(time.Millisecond))
	}
	<-b.Done()
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(tasks))
	}
	return nil
}

func listActive(ctx context.Context, client *protocol.Client) error {
	resp, err := client.ListActive(ctx)
	if err != nil {
		return userError(err)
	}
	fmt.Printf("%-16s %-16s %-20s %-12s %s\n", "SESSION", "ADDRESS", "HOSTNAME", "STATUS", "LAST ACTIVITY")
	for _, s := range resp.Sessions {
		fmt.Printf("%-16s %-16s %-20s %-12s %s\n",
			s.SessionID, s.Address, s.Hostname, s.Status, s.LastActivity.Local().Format(time.DateTime))
	}
	return nil
}

func printEvent(e connection.Event) {
	ts := e.At.Format(time.TimeOnly)
	switch {
	case e.Text != "":
		fmt.Printf("%s [%s] %s\n", ts, e.Type, e.Text)
	default:
		fmt.Printf("%s [%s]\n", ts, e.Type)
	}
}
