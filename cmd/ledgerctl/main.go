// Command ledgerctl is the operator tool for the bot's ledger: account
// lookups, manual grants and settlement of payments that were confirmed out
// of band.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/digkill/AIImageBot/internal/app"
	"github.com/digkill/AIImageBot/internal/config"
	"github.com/digkill/AIImageBot/internal/events"
	"github.com/digkill/AIImageBot/internal/payment"
	"github.com/digkill/AIImageBot/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCmd(openBackend)
	err := root.ExecuteContext(ctx)
	if cerr := cleanup(); cerr != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl: close ledger:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logr := logger.NewWithWriter(os.Stderr, cfg.LogLevel)

	l, closeStore, err := app.OpenLedger(ctx, cfg, logr)
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	closeFn := closeStore
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logr)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		publisher = amqpPub
		closeFn = func() error {
			amqpPub.Close()
			return closeStore()
		}
	}

	return &backend{
		Ledger:     l,
		Settlement: payment.NewSettlement(l, publisher, cfg.SubscriptionDays, logr),
		Close:      closeFn,
	}, nil
}
