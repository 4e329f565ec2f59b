package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/internal/rest"
	"github.com/pershin-daniil/MeetMatch/internal/telegram"
	"github.com/pershin-daniil/MeetMatch/pkg/config"
	"github.com/pershin-daniil/MeetMatch/pkg/logger"
	"github.com/pershin-daniil/MeetMatch/pkg/matcher"
	"github.com/pershin-daniil/MeetMatch/pkg/notifier"
	"github.com/pershin-daniil/MeetMatch/pkg/pgstore"
	"github.com/pershin-daniil/MeetMatch/pkg/service"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
	"github.com/pershin-daniil/MeetMatch/pkg/worker"
)

const version = "0.1.0"

type appStore interface {
	service.Store
	matcher.Store
	worker.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal(err)
	}
	log := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st appStore
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemory()
	default:
		pg, err := pgstore.NewStore(ctx, log, cfg.PgDSN)
		if err != nil {
			log.Panic(err)
		}
		defer pg.Close()
		if err = pg.Migrate(migrate.Up); err != nil {
			log.Panic(err)
		}
		st = pg
	}

	sinks := notifier.NewMulti().Add("log", notifier.NewDummyNotifier(log))
	if cfg.RedisURL != "" {
		rn, client, err := notifier.NewRedis(ctx, log, cfg.RedisURL)
		if err != nil {
			log.Panic(err)
		}
		defer client.Close()
		sinks.Add("redis", rn)
	}
	if cfg.GoogleCredentials != "" {
		cal, err := notifier.NewCalendar(ctx, log, cfg.GoogleCredentials, cfg.GoogleCalendarID)
		if err != nil {
			log.Panic(err)
		}
		sinks.Add("calendar", cal)
	}

	var tg *telegram.Telegram
	m := matcher.New(log, st, sinks)
	app := service.NewScheduleService(log, st, m, sinks)
	if cfg.TgToken != "" {
		bot, err := telegram.NewBot(cfg.TgToken)
		if err != nil {
			log.Panic(err)
		}
		sinks.Add("telegram", telegram.NewNotifier(log, bot, st))
		tg = telegram.New(log, bot, app)
	}

	publicKey, err := os.ReadFile(cfg.JWTPublicKey)
	if err != nil {
		log.Panic(err)
	}
	server, err := rest.NewServer(log, app, cfg.HTTPAddress, version, publicKey)
	if err != nil {
		log.Panic(err)
	}
	reminders := worker.New(log, st, sinks, cfg.ReminderLead, cfg.ReminderInterval)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
		<-sigCh
		log.Info("Received signal, shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reminders.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.Error(err)
			cancel()
		}
	}()
	wg.Wait()
	log.Info("Server stopped")
}
