package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tinify-unlimited/internal/compressor"
	"tinify-unlimited/internal/config"
	"tinify-unlimited/internal/inspect"
	"tinify-unlimited/internal/keystore"
	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/pipeline"
	"tinify-unlimited/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Engine is the part of pipeline.Pipeline the server drives.
type Engine interface {
	Status() pipeline.Status
	Keys() keystore.Pool
	CompressDir(ctx context.Context, dir string, recursive, writeLog bool) ([]statistics.Report, error)
	CompressFiles(ctx context.Context, paths []string) (statistics.Report, error)
	LastReport() (statistics.Report, bool)
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	engine    Engine
	inspector *inspect.Inspector

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	cancel         context.CancelFunc
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CompressRequest struct {
	Directory string   `json:"directory,omitempty"`
	Files     []string `json:"files,omitempty"`
	Recursive bool     `json:"recursive"`
	Log       bool     `json:"log"`
}

type KeysResponse struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local status page only
			},
		},
		inspector: inspect.NewInspector(log, []byte(cfg.Compression.Marker), nil),
	}

	s.setupRoutes()
	return s
}

// Attach sets the engine the API operates on. It must be called before Start.
func (s *Server) Attach(e Engine) {
	s.engine = e
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/keys", s.handleKeys).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/inspect", s.handleInspect).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting status server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Progress forwards a compression progress event to WebSocket clients.
func (s *Server) Progress(e compressor.Event) {
	s.broadcastWSMessage("progress", e)
}

// LogHook forwards a pipeline message to WebSocket clients.
func (s *Server) LogHook(level, message string) {
	s.broadcastWSMessage("log", map[string]string{"level": level, "message": message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	s.operationMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":  running,
			"pipeline": s.engine.Status(),
		},
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	pool := s.engine.Keys()
	resp := KeysResponse{
		Available:   make([]string, 0, len(pool.Available)),
		Unavailable: make([]string, 0, len(pool.Unavailable)),
	}
	for _, k := range pool.Available {
		resp.Available = append(resp.Available, logger.MaskKey(k))
	}
	for _, k := range pool.Unavailable {
		resp.Unavailable = append(resp.Unavailable, logger.MaskKey(k))
	}
	s.writeJSON(w, APIResponse{Success: true, Data: resp})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Directory == "" && len(req.Files) == 0 {
		s.writeError(w, "Directory or files are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		cancel()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	s.isRunning = true
	s.cancel = cancel
	s.operationMutex.Unlock()

	go s.runCompressAsync(ctx, req)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()

	s.broadcastWSMessage("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopped",
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.engine.LastReport()
	if !ok {
		s.writeJSON(w, APIResponse{Success: true})
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary": report.Summary(),
			"report":  report,
		},
	})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, "path is required", http.StatusBadRequest)
		return
	}
	info, err := s.inspector.Inspect(path)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: info})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	// Remove client on disconnect
	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) runCompressAsync(ctx context.Context, req CompressRequest) {
	defer func() {
		s.operationMutex.Lock()
		s.isRunning = false
		s.cancel = nil
		s.operationMutex.Unlock()
	}()

	s.broadcastWSMessage("compress_started", req)

	var (
		reports []statistics.Report
		err     error
	)
	if req.Directory != "" {
		reports, err = s.engine.CompressDir(ctx, req.Directory, req.Recursive, req.Log)
	} else {
		var report statistics.Report
		report, err = s.engine.CompressFiles(ctx, req.Files)
		reports = append(reports, report)
	}

	if err != nil {
		s.broadcastWSMessage("compress_error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	summaries := make([]string, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, r.Summary())
	}
	s.broadcastWSMessage("compress_completed", map[string]interface{}{
		"reports":   len(reports),
		"summaries": summaries,
	})
}

// broadcastWSMessage writes to every client. Writes are serialized because a
// websocket connection supports one concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
