package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"crowdfundBack/internal/models"
	"crowdfundBack/internal/pledge/settlement"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	EventProjectUpdated = "project_updated"
)

// Logger defines minimal logging interface required by the hub.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// ProjectUpdate is pushed to every viewer of a project after a pledge settles.
type ProjectUpdate struct {
	Type          string               `json:"type"`
	ProjectID     string               `json:"projectId"`
	CurrentAmount decimal.Decimal      `json:"currentAmount"`
	TargetAmount  decimal.Decimal      `json:"targetAmount"`
	Status        models.ProjectStatus `json:"status"`
	Funded        bool                 `json:"funded"`
	Pledge        decimal.Decimal      `json:"pledge"`
	At            time.Time            `json:"at"`
}

type viewer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// ProjectHub fans out funding updates to websocket viewers grouped by project.
type ProjectHub struct {
	logger   Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	viewers map[string]map[*viewer]struct{}
}

func NewProjectHub(logger Logger) *ProjectHub {
	return &ProjectHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[string]map[*viewer]struct{}),
	}
}

// ServeWS subscribes the connection to the project named by the ":id" route
// parameter or the project_id query parameter.
func (h *ProjectHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	projectID := projectParam(r)
	if projectID == "" {
		http.Error(w, "missing project_id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.errorf("project ws upgrade failed: %v", err)
		return
	}

	v := &viewer{conn: conn}
	h.mu.Lock()
	set, ok := h.viewers[projectID]
	if !ok {
		set = make(map[*viewer]struct{})
		h.viewers[projectID] = set
	}
	set[v] = struct{}{}
	h.mu.Unlock()

	h.infof("project %s viewer connected", projectID)

	go h.pingLoop(projectID, v)
	go h.readLoop(projectID, v)
}

// Viewers returns the number of open connections for a project.
func (h *ProjectHub) Viewers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[projectID])
}

// PublishSettled pushes the new funding state of the project to its viewers.
func (h *ProjectHub) PublishSettled(_ context.Context, ev settlement.SettledEvent) error {
	data, err := json.Marshal(ProjectUpdate{
		Type:          EventProjectUpdated,
		ProjectID:     ev.ProjectID,
		CurrentAmount: ev.CurrentAmount,
		TargetAmount:  ev.TargetAmount,
		Status:        ev.Status,
		Funded:        ev.Status == models.ProjectStatusFunded,
		Pledge:        ev.Amount,
		At:            ev.At,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*viewer, 0, len(h.viewers[ev.ProjectID]))
	for v := range h.viewers[ev.ProjectID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		h.safeWrite(ev.ProjectID, v, func(c *websocket.Conn) error {
			return c.WriteMessage(websocket.TextMessage, data)
		})
	}
	return nil
}

func (h *ProjectHub) pingLoop(projectID string, v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !h.alive(projectID, v) {
			return
		}
		h.safeWrite(projectID, v, func(c *websocket.Conn) error {
			return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		})
	}
}

func (h *ProjectHub) readLoop(projectID string, v *viewer) {
	defer h.closeViewer(projectID, v)

	conn := v.conn
	conn.SetReadLimit(4 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(message)), "ping") {
			h.safeWrite(projectID, v, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("pong"))
			})
		}
	}
}

func (h *ProjectHub) alive(projectID string, v *viewer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.viewers[projectID][v]
	return ok
}

func (h *ProjectHub) closeViewer(projectID string, v *viewer) {
	_ = v.conn.Close()
	h.mu.Lock()
	if set, ok := h.viewers[projectID]; ok {
		delete(set, v)
		if len(set) == 0 {
			delete(h.viewers, projectID)
		}
	}
	h.mu.Unlock()
}

func (h *ProjectHub) safeWrite(projectID string, v *viewer, fn func(*websocket.Conn) error) {
	if !h.alive(projectID, v) {
		return
	}
	v.mu.Lock()
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := fn(v.conn)
	v.mu.Unlock()
	if err != nil {
		h.errorf("project %s write failed: %v", projectID, err)
		h.closeViewer(projectID, v)
	}
}

func (h *ProjectHub) infof(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Infof(format, args...)
	}
}

func (h *ProjectHub) errorf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Errorf(format, args...)
	}
}

func projectParam(r *http.Request) string {
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get(":id")); v != "" {
		return v
	}
	return strings.TrimSpace(q.Get("project_id"))
}
