package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/thakursanju/smartToll/app"
	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/repository"
	"github.com/thakursanju/smartToll/repository/models"
	"github.com/thakursanju/smartToll/session"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// History is the read side of the payment ledger.
type History interface {
	ListByWallet(ctx context.Context, wallet string, limit int) ([]tollbooth.PaymentRecord, *repository.RepositoryError)
	GetByTxHash(ctx context.Context, txHash string) (*tollbooth.PaymentRecord, *repository.RepositoryError)
	BoothStats(ctx context.Context) ([]models.BoothStat, *repository.RepositoryError)
}

// ReceiptSource confirms payments against the settlement chain.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*app.Receipt, error)
}

type Options struct {
	Port              string
	NodeID            string
	SettlementBackend string
	RateLimit         float64
	RateBurst         int
	HistoryLimit      int
	KeepAlive         time.Duration
}

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr  string
	server    *http.Server
	router    chi.Router
	logger    cmtlog.Logger
	startTime time.Time
	opts      Options

	registry *session.Registry
	booths   *tollbooth.Table
	history  History
	broker   *feed.Broker
	receipts ReceiptSource
	limiter  *ipLimiter

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewWebServer creates a new web server. receipts may be nil when payments
// are not settled on a chain this node can query.
func NewWebServer(opts Options, registry *session.Registry, booths *tollbooth.Table, history History, broker *feed.Broker, receipts ReceiptSource, logger cmtlog.Logger) *WebServer {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	ws := &WebServer{
		httpAddr:  ":" + opts.Port,
		logger:    logger,
		startTime: time.Now(),
		opts:      opts,
		registry:  registry,
		booths:    booths,
		history:   history,
		broker:    broker,
		receipts:  receipts,
		limiter:   newIPLimiter(opts.RateLimit, opts.RateBurst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(ws.requestLogger)
	r.Use(ws.rateLimit)
	r.Use(maxBody(1 << 20))

	r.Get("/", ws.handleRoot)
	r.Get("/booths", ws.handleBooths)
	r.Get("/booths/stats", ws.handleBoothStats)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", ws.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", ws.handleGetSession)
			r.Delete("/", ws.handleDeleteSession)
			r.Post("/wallet", ws.handleConnectWallet)
			r.Delete("/wallet", ws.handleDisconnectWallet)
			r.Post("/attest", ws.handleAttest)
			r.Delete("/attest", ws.handleLogout)
			r.Post("/scan", ws.handleScan)
			r.Post("/payments", ws.handleSubmitPayment)
			r.Post("/reset", ws.handleReset)
			r.Get("/feed", ws.handleSessionFeed)
		})
	})

	r.Get("/wallets/{address}/payments", ws.handleWalletPayments)
	r.Get("/wallets/{address}/feed", ws.handleWalletFeed)
	r.Get("/payments/{txHash}", ws.handlePaymentProof)
	r.Get("/payments/{txHash}/qr", ws.handlePaymentQR)

	ws.router = r
	ws.baseCtx, ws.stop = context.WithCancel(context.Background())
	ws.server = &http.Server{
		Addr:              ws.httpAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ws.baseCtx },
	}
	return ws
}

// Handler exposes the router, mainly for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	// Ends open feed streams so they do not hold the shutdown.
	ws.stop()
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":            "smarttoll",
		"node_id":            ws.opts.NodeID,
		"settlement_backend": ws.opts.SettlementBackend,
		"default_booth":      ws.booths.DefaultID(),
		"sessions":           ws.registry.Len(),
		"uptime":             time.Since(ws.startTime).Round(time.Second).String(),
	})
}
