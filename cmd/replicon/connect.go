package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicon-project/replicon/internal/demo"
	"github.com/replicon-project/replicon/internal/entity"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/replication"
	"github.com/replicon-project/replicon/internal/transport"
)

func connectCmd(configDir *string) *cobra.Command {
	var (
		renderRate time.Duration
		greeting   string
	)

	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Connect to a host and mirror its entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[0], err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid port %q", portStr)
			}
			return runConnect(*configDir, host, port, renderRate, greeting)
		},
	}
	cmd.Flags().DurationVar(&renderRate, "render", 100*time.Millisecond, "render interval")
	cmd.Flags().StringVar(&greeting, "greeting", "", "user message sent after connecting")
	return cmd
}

func runConnect(configDir, host string, port int, renderRate time.Duration, greeting string) error {
	cfg, err := loadConfig(configDir, "replicon-client")
	if err != nil {
		return err
	}
	netCfg := cfg.GetNetwork()
	replCfg := cfg.GetReplication()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entities := entity.NewRegistry()
	if err := demo.Register(entities); err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	replica := replication.NewReplica(entity.NewClientManager(entities), replication.ReplicaOptions{
		Client: transport.ClientOptions{
			Connection: netCfg.Transport(),
			EventBus:   eventBus,
			OnDisconnect: func(c *transport.Connection) {
				log.Warn().Uint32("conn_id", c.ID()).Msg("connection to host closed")
				cancel()
			},
		},
		Interpolation: replCfg.Interpolation(),
		Extrapolation: replCfg.Extrapolation(),
		History:       replCfg.History(),
		OnUser: func(body []byte) {
			log.Info().Str("message", string(body)).Msg("user message from host")
		},
	})
	defer replica.Close()

	log.Info().Str("host", host).Int("port", port).Msg("connecting")
	if err := replica.Connect(ctx, host, port, netCfg.ConnectTimeout()); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	conn := replica.Client().Connection()
	log.Info().Uint32("conn_id", conn.ID()).Str("session", conn.SessionID()).Msg("connected")

	if greeting != "" {
		if err := replica.Send([]byte(greeting), true); err != nil {
			log.Warn().Err(err).Msg("failed to send greeting")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	render := time.NewTicker(renderRate)
	defer render.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("disconnecting")
			return nil
		case <-ctx.Done():
			return nil
		case now := <-render.C:
			replica.Render(now)
		case <-report.C:
			logWorld(replica.Manager(), conn)
		}
	}
}

// logWorld logs the rendered state of every mirrored entity.
func logWorld(m *entity.ClientManager, conn *transport.Connection) {
	log.Info().
		Int("entities", m.Count()).
		Dur("ping", conn.Ping()).
		Int("pending", conn.PendingReliable()).
		Msg("replica state")

	for _, e := range m.Entities() {
		switch v := e.(type) {
		case *demo.Player:
			log.Debug().
				Uint16("id", v.EntityID()).
				Float32("x", v.X.Snapshot()).
				Float32("y", v.Y.Snapshot()).
				Uint8("health", v.Health.Snapshot()).
				Bool("extrapolating", v.X.Extrapolating()).
				Msg("player")
		case *demo.Pickup:
			log.Debug().
				Uint16("id", v.EntityID()).
				Float32("x", v.X.Snapshot()).
				Float32("y", v.Y.Snapshot()).
				Uint8("kind", v.Kind.Snapshot()).
				Msg("pickup")
		}
	}
}
