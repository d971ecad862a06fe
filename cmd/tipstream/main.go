package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Akanimoh12/tipstream"
	"github.com/bugsnag/bugsnag-go"
	"github.com/enescakir/emoji"
	"github.com/lensesio/tableprinter"
	"github.com/sirupsen/logrus"
)

type leaderboardRow struct {
	Rank     int    `header:"rank"`
	Username string `header:"username"`
	Wallet   string `header:"wallet"`
	Value    string `header:"value"`
}

func main() {
	transportPtr := flag.String("transport", getEnv("TIPSTREAM_TRANSPORT", "ws"), "stream transport: ws, mqtt or redis")
	wsURLPtr := flag.String("ws-url", getEnv("TIPSTREAM_WS_URL", "wss://stream.tipz.network/ws"), "websocket stream url")
	mqttHostPtr := flag.String("mqtt-host", getEnv("MQTT_HOST", "tls://mqtt.tipz.network:8883"), "mqtt broker hostname")
	mqttUserPtr := flag.String("mqtt-user", getEnv("MQTT_USER", ""), "mqtt broker username")
	mqttPassPtr := flag.String("mqtt-pass", getEnv("MQTT_PASS", ""), "mqtt broker password")
	redisAddrPtr := flag.String("redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "redis address")
	topicPrefixPtr := flag.String("topic-prefix", getEnv("TIPSTREAM_TOPIC_PREFIX", "tipz"), "topic prefix on the stream provider")
	ethRPCPtr := flag.String("eth-rpc", getEnv("ETH_RPC_URL", ""), "ethereum websocket rpc url; empty disables the contract bridge")
	contractPtr := flag.String("contract", getEnv("TIPZ_CONTRACT", ""), "tipping contract address")
	usernamePtr := flag.String("username", "", "only show tips touching this username")
	metricsRatePtr := flag.Int("metrics-rate", 60, "seconds between metrics printouts, 0 to disable")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")
	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if key := os.Getenv("BUGSNAG_API_KEY"); key != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          key,
			ProjectPackages: []string{"main", "github.com/Akanimoh12/tipstream"},
		})
	}

	var transport tipstream.Transport
	switch *transportPtr {
	case "ws":
		transport = tipstream.NewWebSocketTransport(*wsURLPtr)
	case "mqtt":
		transport = tipstream.NewMQTTTransport(*mqttHostPtr, clientID(), *mqttUserPtr, *mqttPassPtr)
	case "redis":
		transport = tipstream.NewRedisTransport(*redisAddrPtr, getEnv("REDIS_PASSWORD", ""), 0)
	default:
		logrus.Fatalf("unknown transport %q", *transportPtr)
	}

	var watcher tipstream.LogWatcher
	if *ethRPCPtr != "" {
		if *contractPtr == "" {
			logrus.Fatal("-contract is required when -eth-rpc is set")
		}
		ethWatcher, err := tipstream.NewEthLogWatcher(*ethRPCPtr, *contractPtr)
		if err != nil {
			logrus.Fatalf("chain watcher: %v", err)
		}
		defer ethWatcher.Close()
		watcher = ethWatcher
	}

	cfg := tipstream.DefaultConfig()
	cfg.TopicPrefix = *topicPrefixPtr

	service := tipstream.New(cfg, transport, watcher)
	service.OnStateChange(func(state tipstream.ConnectionState) {
		logrus.Printf("stream connection is now %s", state)
	})

	if err := service.Start(context.Background()); err != nil {
		logrus.Fatalf("starting service: %v", err)
	}
	defer service.Shutdown()

	var filter *tipstream.SubscriptionFilter
	if *usernamePtr != "" {
		filter = &tipstream.SubscriptionFilter{Username: *usernamePtr}
	}
	service.SubscribeToTips(func(tip tipstream.TipEvent) {
		fmt.Printf("%v %s tipped %s %s wei: %q\n", emoji.MoneyWithWings, tip.FromUsername, tip.ToUsername, tip.Amount, tip.Message)
	}, filter)
	service.SubscribeToLeaderboard(func(update tipstream.LeaderboardUpdate) {
		fmt.Printf("%v %s leaderboard\n", emoji.Trophy, update.Kind)
		printLeaderboard(update)
	})

	if *metricsRatePtr > 0 {
		go printMetricsForever(service, *metricsRatePtr)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	logrus.Printf("shutting down")
}

func printLeaderboard(update tipstream.LeaderboardUpdate) {
	rows := make([]leaderboardRow, 0, len(update.Rankings))
	for _, entry := range update.Rankings {
		rows = append(rows, leaderboardRow{
			Rank:     entry.Rank,
			Username: entry.Username,
			Wallet:   entry.WalletAddress,
			Value:    entry.Value.String(),
		})
	}
	printer := tableprinter.New(os.Stdout)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.Print(rows)
}

func printMetricsForever(service *tipstream.Service, rateSeconds int) {
	for {
		time.Sleep(time.Duration(rateSeconds) * time.Second)
		snap := service.Metrics()
		logrus.Printf("metrics: detected=%v published=%v errors=%v queued=%d dropped=%d",
			snap.Detected, snap.Published, snap.Errors, snap.QueueDepth, snap.QueueDropped)
	}
}

func clientID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("tipstream-%s-%d", hostname, os.Getpid())
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
