package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicebartender/switchboard/chatlog"
	"github.com/nicebartender/switchboard/dispatch"
	"github.com/nicebartender/switchboard/events"
	"github.com/nicebartender/switchboard/metrics"
	"github.com/nicebartender/switchboard/router"
	"github.com/nicebartender/switchboard/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("bad configuration", "err", err)
		os.Exit(1)
	}

	log, err := chatlog.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open chat log", "err", err)
		os.Exit(1)
	}
	defer log.Close()

	hub := ws.NewHub(ws.Tokens{
		Customer: cfg.CustomerToken,
		Operator: cfg.OperatorToken,
		Agent:    cfg.AgentToken,
	})
	operators := ws.NewOperatorGateway(hub, 2*cfg.AssignTimeout)
	customers := ws.NewCustomerGateway(hub)
	agents := ws.NewAgentGateway(hub)

	engine := dispatch.New(operators, dispatch.WithTimeout(cfg.AssignTimeout))
	rtr := router.New(engine, log, customers, operators, agents)
	hub.Controller = rtr

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	engine.Notify(collector.HandleSignal)
	rtr.SetMetrics(collector)

	if cfg.AMQPURL != "" {
		publisher, err := events.New(cfg.AMQPURL, cfg.AMQPExchange, slog.Default())
		if err != nil {
			slog.Error("failed to connect signal publisher", "err", err)
			os.Exit(1)
		}
		defer publisher.Close()
		engine.Notify(publisher.HandleSignal)
		slog.Info("signal publisher connected", "exchange", cfg.AMQPExchange)
	}

	go hub.Run()

	serve := func(role ws.Role) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				slog.Error("upgrade failed", "role", role, "err", err)
				return
			}
			client := ws.NewClient(hub, conn, role)
			hub.Register(client)
			go client.WritePump()
			go client.ReadPump()
		}
	}

	m := mux.NewRouter()
	m.HandleFunc("/customer", serve(ws.RoleCustomer))
	m.HandleFunc("/operator", serve(ws.RoleOperator))
	m.HandleFunc("/agent", serve(ws.RoleAgent))
	m.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: m}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("switchboard starting", "addr", cfg.ListenAddr, "assignTimeout", cfg.AssignTimeout)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
	slog.Info("switchboard stopped")
}
