package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "crm_realtime/client/common/auth"
	"crm_realtime/client/common/infra/cache"
	"crm_realtime/client/common/infra/mq"
	commonlog "crm_realtime/client/common/log"
	realtimeapi "crm_realtime/client/realtime/api"
	"crm_realtime/client/realtime/domain"
	"crm_realtime/client/realtime/service"
)

var ErrMissingToken = errors.New("realtime token is required")

type Server struct {
	HTTPServer *http.Server
	Session    *service.Session

	token  string
	user   domain.CurrentUser
	redis  *redis.Client
	mqConn *amqp.Connection
	mirror *service.EventMirror
	events *service.AsyncEventSink
}

func NewServer(cfg Config) (*Server, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cfg.Token), "Bearer "))
	if token == "" {
		return nil, ErrMissingToken
	}
	user, err := CurrentUserFromToken(token, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(cfg.UserName); name != "" {
		user.Name = name
	}

	s := &Server{token: token, user: user}
	var opts []service.Option

	if cfg.OutboxBackend == "redis" {
		s.redis = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cache.Ping(pingCtx, s.redis)
		cancel()
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("connect redis outbox: %w", err)
		}
		opts = append(opts, service.WithOutboxStore(service.NewRedisOutboxStore(s.redis, user.TenantID, user.ID)))
	}

	if cfg.MQEnabled {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("connect lavinmq: %w", err)
		}
		s.mqConn = conn
		ch, err := mq.OpenTopicChannel(conn, cfg.MQExchange)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("open event mirror channel: %w", err)
		}
		s.mirror = service.NewEventMirror(ch, cfg.MQExchange, user.TenantID)
		s.events = service.NewAsyncEventSink(s.mirror, service.DefaultMirrorBuffer)
		opts = append(opts, service.WithEventSink(s.events), service.WithNoticeSink(s.events))
	}

	s.Session = service.NewSession(service.Config{
		Transport: service.TransportConfig{
			URL:               cfg.WSURL,
			ReconnectDelay:    cfg.ReconnectDelay,
			HeartbeatOutgoing: cfg.HeartbeatOutgoing,
			HeartbeatIncoming: cfg.HeartbeatIncoming,
			ConnectTimeout:    cfg.ConnectTimeout,
		},
		TypingSweepInterval:   cfg.TypingSweepInterval,
		TypingStaleAfter:      cfg.TypingStaleAfter,
		HistoryPageSize:       cfg.HistoryPageSize,
		NotificationsPageSize: cfg.NotificationsPageSize,
		OutboxMaxAttempts:     cfg.OutboxMaxAttempts,
	}, service.NewBackendClient(cfg.APIEndpoints...), opts...)

	h := realtimeapi.NewHandler(s.Session, cfg.LocalAPIToken)
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.LocalAPIPort,
		Handler:      r,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// CurrentUserFromToken reads the user from the bearer token. With an empty
// secret the signature is left to the broker and the REST API.
func CurrentUserFromToken(token, secret string) (domain.CurrentUser, error) {
	var claims *commonauth.Claims
	var err error
	if secret = strings.TrimSpace(secret); secret != "" {
		claims, err = commonauth.NewService(secret, 0).ParseToken(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")))
	} else {
		claims, err = commonauth.ParseUnverified(token)
	}
	if err != nil {
		return domain.CurrentUser{}, err
	}
	userID, tenantID, err := claims.Identity()
	if err != nil {
		return domain.CurrentUser{}, err
	}
	return domain.CurrentUser{ID: userID, TenantID: tenantID, Name: claims.Name, Role: claims.Role}, nil
}

func (s *Server) User() domain.CurrentUser { return s.user }

// Start opens the realtime session in the background.
func (s *Server) Start(ctx context.Context) error {
	commonlog.Infof("event=realtime_server action=start user_id=%s tenant_id=%s", s.user.ID, s.user.TenantID)
	return s.Session.Connect(ctx, s.token, s.user)
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Session.Close()
	s.closeInfra()
	return err
}

func (s *Server) closeInfra() {
	if s.events != nil {
		s.events.Close()
	}
	if s.mirror != nil {
		s.mirror.Close()
	}
	if s.mqConn != nil {
		_ = s.mqConn.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
