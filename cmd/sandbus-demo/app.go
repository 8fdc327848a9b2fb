package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"sandbus/pkg/config"
	"sandbus/pkg/endpoint"
	"sandbus/pkg/frame"
	"sandbus/pkg/observability"
	"sandbus/pkg/relay"
	"sandbus/pkg/transport"
	"sandbus/pkg/transport/mem"
	"sandbus/pkg/transport/quic"
)

// run wires a full in-process topology (coordinator, mediator, page, tool
// panel) and drives one request/reply across every edge.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("sandbus-demo started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	probe := time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond
	bus := mem.New()

	// Optionally expose the coordinator over QUIC for remote tool panels.
	acceptor := transport.Acceptor(bus)
	if cfg.QUIC.Listen != "" {
		srv, err := quic.Listen(ctx, cfg.QUIC.Listen)
		if err != nil {
			zap.L().Error("quic listen failed", zap.Error(err))
			return 1
		}
		zap.L().Info("coordinator reachable over quic", zap.String("addr", srv.Addr().String()))
		acceptor = fanInAcceptor{bus, srv}
	}

	coordinator, err := relay.New(relay.Options{
		Role:     endpoint.RoleCoordinator,
		Acceptor: acceptor,
		Handlers: map[string]relay.Handler{
			"greet": func(msg relay.Message) (any, error) {
				return "hello " + msg.Sender.String(), nil
			},
		},
	})
	if err != nil {
		zap.L().Error("coordinator setup failed", zap.Error(err))
		return 1
	}
	defer coordinator.Close()

	instance := uint32(1)
	if id := cfg.InstanceID(); id != nil {
		instance = *id
	}

	fb := frame.NewBus()
	mediator, err := relay.New(relay.Options{
		Role: endpoint.RoleMediator, Instance: &instance,
		Dialer: bus, Bus: fb, ProbeTimeout: probe,
		Handlers: map[string]relay.Handler{
			"ping": func(msg relay.Message) (any, error) { return msg.Payload, nil },
		},
	})
	if err != nil {
		zap.L().Error("mediator setup failed", zap.Error(err))
		return 1
	}
	defer mediator.Close()
	mediator.AllowPageMessaging(cfg.Namespace)

	page, err := relay.New(relay.Options{
		Role: endpoint.RolePage, Bus: fb, ProbeTimeout: probe,
	})
	if err != nil {
		zap.L().Error("page setup failed", zap.Error(err))
		return 1
	}
	defer page.Close()
	page.SetNamespace(cfg.Namespace)

	var dialer transport.Dialer = bus
	if cfg.QUIC.DialAddr != "" {
		dialer = quic.NewDialer(ctx, cfg.QUIC.DialAddr)
	}
	panel, err := relay.New(relay.Options{
		Role: endpoint.RoleToolPanel, Instance: &instance, Dialer: dialer,
	})
	if err != nil {
		zap.L().Error("tool panel setup failed", zap.Error(err))
		return 1
	}
	defer panel.Close()

	// coordinator -> mediator over the hub
	got, err := coordinator.Send(ctx, "ping", 1, endpoint.ChannelID(endpoint.RoleMediator, &instance))
	if err != nil {
		zap.L().Error("hub round trip failed", zap.Error(err))
		return 1
	}
	zap.L().Info("hub round trip", zap.Any("reply", got))

	// tool panel -> coordinator
	got, err = panel.Send(ctx, "greet", nil, "background")
	if err != nil {
		zap.L().Error("tool panel round trip failed", zap.Error(err))
		return 1
	}
	zap.L().Info("tool panel round trip", zap.Any("reply", got))

	// page -> coordinator across the window handshake
	got, err = page.Send(ctx, "greet", nil, "background")
	if err != nil {
		zap.L().Error("page round trip failed", zap.Error(err))
		return 1
	}
	zap.L().Info("page round trip", zap.Any("reply", got))

	return 0
}

// fanInAcceptor merges channels from several acceptors into one callback.
type fanInAcceptor []transport.Acceptor

func (f fanInAcceptor) OnAccept(fn func(ch transport.Channel, instance *uint32)) {
	for _, a := range f {
		a.OnAccept(fn)
	}
}
