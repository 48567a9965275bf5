// Internal web server for operational concerns: health, metrics and
// runtime log-level control.

package webapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the tempest coordinator internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("ok"))
	if err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

// handleLogLevel lets operators read (GET) or change (PUT) the process log
// level without a restart.
func (w *WebServer) handleLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		http.Error(rw, "log level control is not enabled", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodGet:
		_, _ = rw.Write([]byte(w.logLevel.Level().String()))
	case http.MethodPut:
		levelStr := r.URL.Query().Get("level")
		parsedLevel, err := zapcore.ParseLevel(levelStr)
		if err != nil {
			http.Error(rw, "invalid log level", http.StatusBadRequest)
			return
		}

		w.logLevel.SetLevel(parsedLevel)
		w.logger.Info("log level changed via webapi", zap.Stringer("level", parsedLevel))
		rw.WriteHeader(200)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (w *WebServer) ListenAndServe() error {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth)
	r.HandleFunc("/loglevel", w.handleLogLevel)
	r.HandleFunc("/", w.handleRoot)

	w.httpServer = &http.Server{
		Handler:      r,
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
