package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/internal/api"
	"gridbot/internal/config"
	"gridbot/internal/exchange/hyperliquid"
	"gridbot/internal/lifecycle"
	"gridbot/internal/logger"
	"gridbot/internal/store"
	"gridbot/internal/store/pebblestore"
	"gridbot/internal/store/sqlstore"
	"gridbot/internal/supervisor"
	"gridbot/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "путь к файлу конфигурации")
	tokenFor := flag.String("token", "", "выпустить API-токен для пользователя и выйти")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "срок жизни API-токена")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if *tokenFor != "" {
		token, err := api.IssueToken(cfg.API.JWTSecret, *tokenFor, *tokenTTL)
		if err != nil {
			panic(err)
		}
		fmt.Println(token)
		return
	}

	logger := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	logger.Info("Бот запущен.")

	wallets := wallet.NewKeyProvider(time.Now)
	for user, w := range cfg.Wallets {
		if err := wallets.Register(user, w.PrivateKey, w.SessionTTL); err != nil {
			logger.WithError(err).Fatal("Не удалось загрузить ключ кошелька.")
		}
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Не удалось открыть хранилище.")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Ошибка при закрытии хранилища.")
		}
	}()

	client := hyperliquid.New(hyperliquid.Config{
		BaseURL:      cfg.Exchange.BaseUrl,
		WSURL:        cfg.Exchange.WSUrl,
		Mainnet:      cfg.Exchange.Mainnet,
		VaultAddress: cfg.Exchange.VaultAddress,
		Timeout:      cfg.Exchange.RequestTimeout,
		RateLimitRPS: cfg.Exchange.RateLimitRPS,
		RateBurst:    cfg.Exchange.RateBurst,
		ReconnectMin: cfg.Engine.FeedBackoffMin,
		ReconnectMax: cfg.Engine.FeedBackoffMax,
	}, logger)

	sup := supervisor.New(client, wallets, st, logger, supervisor.Options{
		Retry: lifecycle.RetryPolicy{
			Attempts: cfg.Engine.RetryAttempts,
			Base:     cfg.Engine.RetryBase,
			Max:      cfg.Engine.RetryMax,
		},
		CallTimeout:    cfg.Engine.CallTimeout,
		MarginPoll:     cfg.Engine.MarginPollInterval,
		FeedBackoffMin: cfg.Engine.FeedBackoffMin,
		FeedBackoffMax: cfg.Engine.FeedBackoffMax,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Runtime.RestoreStateOnStart {
		n, err := sup.Recover(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Не удалось восстановить сетки.")
		}
		logger.WithFields(map[string]interface{}{"grids": n}).Info("Сетки восстановлены.")
	}

	for _, boot := range cfg.Grids {
		id, err := sup.Start(ctx, boot.User, boot.GridConfig)
		if err != nil {
			logger.WithError(err).WithField("symbol", boot.Symbol).Warn("Сетка из конфига не запущена.")
			continue
		}
		logger.WithFields(map[string]interface{}{"grid": id, "symbol": boot.Symbol}).Info("Сетка из конфига запущена.")
	}

	server := api.NewServer(sup, api.Config{
		Listen:         cfg.API.Listen,
		JWTSecret:      cfg.API.JWTSecret,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, logger)

	go func() {
		if err := server.Run(ctx); err != nil {
			logger.WithError(err).Fatal("API завершился с ошибкой.")
		}
	}()
	<-sigCh

	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Сетки остановлены не полностью.")
	}

	logger.Info("Бот остановлен.")
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		st, err := sqlstore.Open(sqlstore.Option{ConnString: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := pebblestore.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return st, nil
}
