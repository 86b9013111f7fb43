package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"superradio/internal/alerts"
	"superradio/internal/playback"
)

type Config struct {
	Bind              string
	Port              int
	ReadHeaderTimeout time.Duration
}

// Player is what the control API drives. *playback.Controller implements it.
type Player interface {
	Play(ctx context.Context) error
	Pause() error
	Toggle(ctx context.Context) error
	ForceReconnect(ctx context.Context) error
	NoteInteraction()
	SetVisible(ctx context.Context, visible bool)
	SetVolume(percent int) int
	Volume() int
	Session() playback.Session
}

// AlertBoard is the transient alert channel as seen by the page.
type AlertBoard interface {
	Show(message string, severity alerts.Severity)
	Current() (alerts.Alert, bool)
	Dismiss()
}

// Event is one SSE message. Type is status, error, prompt, alert,
// nowplaying or state.
type Event struct {
	Time     time.Time          `json:"time"`
	Type     string             `json:"type"`
	Session  *playback.Session  `json:"session,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
	Prompt   *bool              `json:"prompt,omitempty"`
	Alert    *alerts.Alert      `json:"alert,omitempty"`
	Metadata *playback.Metadata `json:"metadata,omitempty"`
	State    string             `json:"state,omitempty"`
}

const (
	historyMax  = 200
	historyKeep = 100
)

type Server struct {
	cfg      Config
	assets   http.Handler
	alerts   AlertBoard
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	session *NowPlaying

	playerMu sync.RWMutex
	player   Player

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	history []Event
}

// New builds the server. assets answers every path the API does not own,
// normally the offline router. The player is attached later with SetPlayer
// because the controller needs the server's media session first.
func New(cfg Config, assets http.Handler, board AlertBoard, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8092
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		assets:   assets,
		alerts:   board,
		gatherer: gatherer,
		log:      log,
		clients:  make(map[chan []byte]struct{}),
		history:  make([]Event, 0, historyMax),
	}
	s.session = newNowPlaying(s.Broadcast)
	return s
}

// MediaSession is the now-playing bridge to hand to the controller.
func (s *Server) MediaSession() *NowPlaying { return s.session }

func (s *Server) SetPlayer(p Player) {
	s.playerMu.Lock()
	s.player = p
	s.playerMu.Unlock()
}

func (s *Server) currentPlayer() Player {
	s.playerMu.RLock()
	defer s.playerMu.RUnlock()
	return s.player
}

func (s *Server) Addr() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Bind, s.cfg.Port)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// page assets and the proxied stream
	if s.assets != nil {
		mux.Handle("/", s.assets)
	}

	// SSE stream
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /api/events", s.handleEventsJSON)

	// player control
	mux.HandleFunc("GET /api/player", s.handleSession)
	mux.HandleFunc("POST /api/player/{action}", s.handlePlayerAction)
	mux.HandleFunc("GET /api/volume", s.handleVolume)
	mux.HandleFunc("PUT /api/volume", s.handleSetVolume)
	mux.HandleFunc("POST /api/session/{action}", s.handleSessionAction)
	mux.HandleFunc("GET /api/nowplaying", s.handleNowPlaying)
	mux.HandleFunc("POST /api/quality", s.handleQuality)

	// alerts
	mux.HandleFunc("GET /api/alert", s.handleAlert)
	mux.HandleFunc("POST /api/alert", s.handleShowAlert)
	mux.HandleFunc("DELETE /api/alert", s.handleDismissAlert)

	// Health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	// shutdown
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	s.log.Info().Str("addr", srv.Addr).Msg("http server listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.Lock()
	// history
	if len(s.history) >= historyMax {
		s.history = append(s.history[:0], s.history[len(s.history)-historyKeep:]...)
	}
	s.history = append(s.history, ev)

	// push to clients
	b, _ := json.Marshal(ev)
	for ch := range s.clients {
		select {
		case ch <- b:
		default:
			// slow client: drop
		}
	}
	s.mu.Unlock()
}

// PlayerEvent forwards a controller notification; pass it to Subscribe.
func (s *Server) PlayerEvent(ev playback.Event) {
	sess := ev.Session
	out := Event{Type: string(ev.Kind), Session: &sess}
	switch ev.Kind {
	case playback.EventError:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
			out.Kind = playback.Classify(ev.Err).String()
		}
	case playback.EventPrompt:
		p := ev.Prompt
		out.Prompt = &p
	}
	s.Broadcast(out)
}

// AlertEvent forwards an alert change; pass it to the alert channel's
// Subscribe.
func (s *Server) AlertEvent(a alerts.Alert) {
	s.Broadcast(Event{Type: "alert", Alert: &a})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCh := make(chan []byte, 64)

	s.mu.Lock()
	s.clients[clientCh] = struct{}{}
	// send recent history on connect
	hist := append([]Event(nil), s.history...)
	s.mu.Unlock()

	for _, ev := range hist {
		b, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	flusher.Flush()

	notify := r.Context().Done()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		close(clientCh)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-notify:
			return
		case <-keepAlive.C:
			// comment line keeps connection alive
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		case msg := <-clientCh:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleEventsJSON(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := append([]Event(nil), s.history...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"events": h,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
