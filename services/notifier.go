package services

import (
	"context"
	"sync"

	"crmflow/models"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Hub fans notifications out to connected websocket clients. Slow or
// dead clients are dropped rather than blocking the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	logger  *logrus.Entry
}

func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *Hub) Broadcast(payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(payload); err != nil {
			h.logger.WithError(err).Debug("Dropping websocket client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Notifier implements automation.NotificationService: persist the
// notification and push it live.
type Notifier struct {
	DB     *gorm.DB
	Hub    *Hub
	Logger *logrus.Entry
}

func NewNotifier(db *gorm.DB, hub *Hub, logger *logrus.Entry) *Notifier {
	return &Notifier{DB: db, Hub: hub, Logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, contactID uint, ruleID *uint, message string) error {
	notification := models.Notification{
		ContactID: contactID,
		RuleID:    ruleID,
		Message:   message,
	}
	if err := n.DB.WithContext(ctx).Create(&notification).Error; err != nil {
		return err
	}
	n.Hub.Broadcast(notification)
	return nil
}
