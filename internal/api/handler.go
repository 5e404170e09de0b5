package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/flowq/internal/debounce"
	"github.com/shaiso/flowq/internal/deploy"
	"github.com/shaiso/flowq/internal/domain"
	"github.com/shaiso/flowq/internal/flow"
	"github.com/shaiso/flowq/internal/mq"
	"github.com/shaiso/flowq/internal/queue"
	"github.com/shaiso/flowq/internal/repo"
	"github.com/shaiso/flowq/internal/trigger"
)

// UserHeader — заголовок с именем пользователя, от которого идёт запрос.
const UserHeader = "X-Flowq-User"

// EventFeed — асинхронная доставка триггеров и событий деплоя через брокер.
// Реализуется *mq.Publisher; сообщения разбирает flowq-dispatcher.
type EventFeed interface {
	PublishTrigger(ctx context.Context, payload mq.TriggerPayload) error
	PublishDeployEvent(ctx context.Context, ev domain.DeployEvent) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	queue    *queue.Service
	store    repo.Store
	router   *trigger.Router
	flows    *flow.Driver
	debounce *debounce.Coordinator
	deploy   *deploy.Aggregator
	feed     EventFeed
	logger   *slog.Logger

	rateLimitRPS   float64
	rateLimitBurst int

	// MaxWait — предел ожидания результата (?wait=).
	MaxWait time.Duration

	// Now — источник времени для расписаний.
	Now func() time.Time
}

// Config — конфигурация для создания Handler.
type Config struct {
	Queue    *queue.Service
	Router   *trigger.Router
	Flows    *flow.Driver
	Debounce *debounce.Coordinator
	Deploy   *deploy.Aggregator // опционально
	Feed     EventFeed          // опционально, для ?async=true
	Logger   *slog.Logger

	RateLimitRPS   float64
	RateLimitBurst int
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:          cfg.Queue,
		store:          cfg.Queue.Store(),
		router:         cfg.Router,
		flows:          cfg.Flows,
		debounce:       cfg.Debounce,
		deploy:         cfg.Deploy,
		feed:           cfg.Feed,
		logger:         logger.With("component", "api"),
		rateLimitRPS:   cfg.RateLimitRPS,
		rateLimitBurst: cfg.RateLimitBurst,
		MaxWait:        5 * time.Minute,
		Now:            time.Now,
	}
}
