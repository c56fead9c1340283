package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	amqp "github.com/vgough/amqpwire"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config")
		addr       = flag.String("addr", "", "endpoint, overrides config address")
		node       = flag.String("node", "examples", "node address to send to and receive from")
		count      = flag.Int("count", 10, "messages to send")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := amqp.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = amqp.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}
	if *addr != "" {
		cfg.Address = *addr
	}

	opts := cfg.ConnOptions()
	if *debug {
		opts = append(opts, amqp.ConnLogger(log))
	}

	client, err := amqp.Dial(cfg.Address, opts...)
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.Address).Msg("dial")
	}
	defer client.Close()

	session, err := client.NewSession(cfg.SessionOptions()...)
	if err != nil {
		log.Fatal().Err(err).Msg("begin session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender, err := session.NewSender(amqp.LinkAddress(*node))
	if err != nil {
		log.Fatal().Err(err).Msg("attach sender")
	}
	for i := 0; i < *count; i++ {
		msg := amqp.NewMessage([]byte(fmt.Sprintf("message %d", i)))
		if err := sender.Send(ctx, msg); err != nil {
			log.Fatal().Err(err).Int("n", i).Msg("send")
		}
	}
	if err := sender.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("sender close")
	}
	log.Info().Int("count", *count).Msg("messages sent")

	receiver, err := session.NewReceiver(amqp.LinkAddress(*node), amqp.LinkCredit(10))
	if err != nil {
		log.Fatal().Err(err).Msg("attach receiver")
	}
	for i := 0; i < *count; i++ {
		msg, err := receiver.Receive(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("receive")
		}
		log.Info().Uint32("delivery", msg.DeliveryID()).Bytes("body", msg.GetData()).Msg("received")
		if err := msg.Accept(); err != nil {
			log.Fatal().Err(err).Msg("accept")
		}
	}
	if err := receiver.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("receiver close")
	}

	if err := session.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("session close")
	}
}
