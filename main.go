package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otellog "go.opentelemetry.io/otel/log"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// OTel providers (noop when disabled)
	var meterProvider metric.MeterProvider = metricnoop.NewMeterProvider()
	var loggerProvider otellog.LoggerProvider = lognoop.NewLoggerProvider()
	if cfg.OTel.Enabled {
		res := resource.NewSchemaless(attribute.String("service.name", cfg.OTel.ServiceName))

		metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithInsecure())
		if err != nil {
			logger.Fatal("metric exporter", zap.Error(err))
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.OTel.MetricsInterval))),
		)
		defer mp.Shutdown(context.Background())
		meterProvider = mp

		logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithInsecure())
		if err != nil {
			logger.Fatal("log exporter", zap.Error(err))
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		)
		defer lp.Shutdown(context.Background())
		loggerProvider = lp
	}
	otelSub := NewOTelLogSubscriber(loggerProvider.Logger(cfg.OTel.ServiceName), cfg.OTel.EventMask)

	// Chat channels
	var channels []Channel
	var discord *DiscordChannel
	if cfg.Discord.Enabled {
		discord, err = NewDiscordChannel(cfg.Discord.BotToken, cfg.ChannelIDs(), logger)
		if err != nil {
			logger.Fatal("discord", zap.Error(err))
		}
		channels = append(channels, discord)
	}

	var wg sync.WaitGroup
	var bridges []*Bridge

	// One bridge per server
	for _, sc := range cfg.Servers {
		srvLog := logger.With(zap.String("server", sc.Name))
		mask := sc.Subscription

		metrics, err := newLinkMetrics(meterProvider, sc.Name)
		if err != nil {
			logger.Fatal("metrics", zap.Error(err))
		}

		link := NewLink(LinkConfig{
			Server:           sc.Name,
			Mode:             sc.Mode,
			URL:              sc.URL,
			Listen:           sc.Listen,
			Path:             sc.Path,
			Token:            sc.Token,
			SelfName:         sc.SelfName,
			Origin:           sc.Origin,
			HandshakeTimeout: sc.HandshakeTimeout,
			Reconnect:        sc.Reconnect,
			Subscription:     mask,
		}, srvLog, metrics)

		var fallback CommandExecutor
		var console *RCONExecutor
		if sc.FallbackEnabled() {
			console = NewRCONExecutor(sc.RCON.Host, sc.RCON.Port, sc.RCON.Password, sc.RCON.ConnectTimeout, sc.RCON.Timeout)
			fallback = console
		}

		var targets []ChannelTarget
		if discord != nil {
			for _, id := range sc.Channels {
				targets = append(targets, ChannelTarget{Channel: discord, ChannelID: id})
			}
		}

		bridge := NewBridge(BridgeConfig{
			Server:         sc.Name,
			Mask:           mask,
			RequestTimeout: sc.RequestTimeout,
		}, link, fallback, targets, srvLog, metrics)
		bridge.Subscribe(otelSub)

		if console != nil && sc.Revive.Enabled && sc.Mode == ModeClient {
			bridge.revive = NewRevivalPoller(console, link, sc.Revive.Interval, srvLog)
			wg.Add(1)
			go func(p *RevivalPoller) {
				defer wg.Done()
				p.Run(ctx)
			}(bridge.revive)
		}

		if err := bridge.Start(ctx); err != nil {
			logger.Fatal("start link", zap.String("server", sc.Name), zap.Error(err))
		}

		wg.Add(1)
		go func(b *Bridge) {
			defer wg.Done()
			b.FanOutEvents(ctx)
		}(bridge)

		bridges = append(bridges, bridge)
	}

	var summaries SummarySource
	if cfg.Wiki.Enabled {
		summaries = NewSummaryFetcher(cfg.Wiki.Timeout, cfg.Wiki.MaxRunes)
	}
	router := NewInboundRouter(bridges, summaries, cfg.Discord.CommandPrefix, logger)

	for _, ch := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				logger.Error("channel", zap.String("channel", c.Name()), zap.Error(err))
			}
		}(ch)

		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			router.HandleInbound(ctx, c)
		}(ch)
	}

	channelNames := make([]string, len(channels))
	for i, ch := range channels {
		channelNames[i] = ch.Name()
	}
	logger.Info("mc-bridge started",
		zap.Int("servers", len(bridges)),
		zap.Strings("channels", channelNames),
		zap.Bool("otel", cfg.OTel.Enabled))

	<-ctx.Done()
	for _, b := range bridges {
		if err := b.Stop(); err != nil {
			logger.Warn("stop bridge", zap.String("server", b.Name()), zap.Error(err))
		}
	}
	wg.Wait()
	logger.Info("shutting down")
}
