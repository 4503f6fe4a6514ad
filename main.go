package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"roomsync/internal/config"
	"roomsync/internal/connection"
	"roomsync/internal/dispatcher"
	"roomsync/internal/moderation"
	"roomsync/internal/observability"
	"roomsync/internal/presence"
	"roomsync/internal/providers"
	"roomsync/internal/session"
	"roomsync/internal/store"
	"roomsync/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, "roomsync", cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	var publisher observability.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := observability.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Printf("telemetry publisher unavailable, events disabled: %v", err)
		} else {
			publisher = amqpPublisher
			defer amqpPublisher.Close()
		}
	}
	observability.SetPublisher(publisher)

	audit := telemetry.NewAuditEmitter(publisher, "audit.roomsync", "roomsync", cfg.Environment)

	bus := dispatcher.New()
	conn := connection.NewManager(connection.Config{
		URL:   cfg.BrokerURL,
		Token: cfg.AuthToken,
	}, bus)

	st := store.New(cfg.SelfUserID, cfg.SelfDisplayName)
	api := providers.NewHTTPClient(cfg.APIBaseURL, cfg.AuthToken, nil)
	blocked := moderation.NewBlockedSet(api)
	bridge := moderation.NewBridge(api, blocked)

	if err := conn.Connect(ctx); err != nil {
		if errors.Is(err, connection.ErrAuthFailed) {
			log.Fatalf("broker rejected credentials: %v", err)
		}
		log.Printf("initial connect failed, reconnect on resume: %v", err)
	}
	defer conn.Disconnect()

	var sess *session.Session
	if cfg.RoomID != "" {
		sess = session.New(cfg.RoomID, session.Deps{
			Conn:    conn,
			Bus:     bus,
			Store:   st,
			Rooms:   api,
			Blocked: blocked,
			Bridge:  bridge,
			Audit:   audit,
		},
			session.WithTerminalHandler(func(reason presence.TerminalReason) {
				log.Printf("left room %s: %s", cfg.RoomID, reason)
			}),
			session.WithBlockedWarningHandler(func() {
				log.Printf("room %s contains a blocked user", cfg.RoomID)
			}),
		)
		if err := sess.Join(ctx); err != nil {
			log.Fatalf("failed to join room %s: %v", cfg.RoomID, err)
		}
		defer sess.Close()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("roomsync"))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": conn.State()})
	})
	router.GET("/debug/engine", func(c *gin.Context) {
		out := gin.H{
			"connection":        conn.State(),
			"reconnectAttempts": conn.Attempts(),
			"blockedLoaded":     blocked.Loaded(),
		}
		if sess != nil {
			out["roomId"] = sess.RoomID()
			out["participantCount"] = sess.ParticipantCount()
			out["typing"] = sess.TypingNames()
			out["unread"] = sess.UnreadCount()
			out["timelineLen"] = len(sess.Timeline())
		}
		c.JSON(http.StatusOK, out)
	})

	srv := &http.Server{Addr: ":" + cfg.OpsPort, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("ops server listening on :%s", cfg.OpsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("ops server error: %v", err)
	}
}
