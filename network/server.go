package network

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ilpnode/accounts"
	"ilpnode/balance"
	"ilpnode/ilp"
	"ilpnode/link"
	"ilpnode/observability/logging"
	"ilpnode/routing"
)

const (
	maxPacketBytes = 1 << 20
	// IncomingTokenSetting names the link setting holding the bearer token a peer must
	// present when posting prepares to this node.
	IncomingTokenSetting = "incoming_token"
)

// PacketHandler switches one prepare received from an account.
type PacketHandler interface {
	HandlePrepare(ctx context.Context, senderID accounts.AccountID, prepare *ilp.Prepare) ilp.Response
}

// AccountGetter resolves the sender of an ingress packet.
type AccountGetter interface {
	Get(ctx context.Context, id accounts.AccountID) (accounts.Account, error)
}

// RouteSnapshotter exposes the routing table.
type RouteSnapshotter interface {
	Snapshot() (routing.Version, []routing.Route)
}

// BalanceReader exposes account balances.
type BalanceReader interface {
	Balance(ctx context.Context, id accounts.AccountID) (balance.Balance, error)
}

// LinkLister exposes live link state.
type LinkLister interface {
	Snapshot() []link.Status
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Operator ilp.Address
	Packets  PacketHandler
	Accounts AccountGetter
	Routes   RouteSnapshotter
	Balances BalanceReader
	Links    LinkLister
	// IngressAuth runs before per-account token checks on POST /ilp.
	IngressAuth Authenticator
	// AdminToken guards the read-only endpoints; empty leaves them open.
	AdminToken string
	Logger     *slog.Logger
}

// Server serves the ILP-over-HTTP ingress and the admin API.
type Server struct {
	cfg     Config
	admin   Authenticator
	logger  *slog.Logger
	metrics *httpMetrics
	router  http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		cfg:     cfg,
		admin:   NewTokenAuthenticator("Authorization", cfg.AdminToken),
		logger:  logging.OrDefault(cfg.Logger),
		metrics: defaultHTTPMetrics(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.instrument)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Post("/ilp", s.ingress)

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Get("/routes", s.routes)
		admin.Get("/balances/{id}", s.balance)
		admin.Get("/links", s.links)
		admin.Handle("/metrics", promhttp.Handler())
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.observe(route, status, elapsed)
		s.logger.Debug("http request",
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.admin != nil {
			if err := s.admin.Authorize(r); err != nil {
				s.metrics.recordAuthFailure("admin")
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"operator": s.cfg.Operator.String(),
	})
}

// ingress accepts a JSON prepare from the account named by the ILP-Account header and
// answers with the JSON fulfill or reject. Packet-level failures are always 200 with a
// reject body; only malformed requests get an HTTP error.
func (s *Server) ingress(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Packets == nil {
		writeError(w, http.StatusServiceUnavailable, "packet switching disabled")
		return
	}
	raw := r.Header.Get(link.HeaderAccount)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing "+link.HeaderAccount+" header")
		return
	}
	sender, err := accounts.ParseAccountID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.authorizeSender(r, sender); err != nil {
		s.metrics.recordAuthFailure("ingress")
		s.logger.Warn("ingress authentication failed",
			slog.String("account", string(sender)),
			slog.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var prepare ilp.Prepare
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPacketBytes)).Decode(&prepare); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.cfg.Packets.HandlePrepare(r.Context(), sender, &prepare)
	writeJSON(w, http.StatusOK, resp)
}

// authorizeSender applies the ingress chain and then, when the account configures an
// incoming token, requires it as a bearer credential. Unknown senders pass through so
// the switch answers them with a reject.
func (s *Server) authorizeSender(r *http.Request, sender accounts.AccountID) error {
	if s.cfg.IngressAuth != nil {
		if err := s.cfg.IngressAuth.Authorize(r); err != nil {
			return err
		}
	}
	if s.cfg.Accounts == nil {
		return nil
	}
	acct, err := s.cfg.Accounts.Get(r.Context(), sender)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil
		}
		return err
	}
	token := acct.LinkSettings[IncomingTokenSetting]
	if token == "" {
		return nil
	}
	if !tokenMatches(r.Header.Values("Authorization"), token) {
		return ErrUnauthenticated
	}
	return nil
}

type routeView struct {
	Prefix    string     `json:"prefix"`
	NextHop   string     `json:"nextHop"`
	Path      []string   `json:"path,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Epoch     uint64     `json:"epoch,omitempty"`
	Static    bool       `json:"static"`
}

type routesView struct {
	TableID string      `json:"tableId"`
	Epoch   uint64      `json:"epoch"`
	Routes  []routeView `json:"routes"`
}

func (s *Server) routes(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Routes == nil {
		writeError(w, http.StatusServiceUnavailable, "routing table unavailable")
		return
	}
	version, list := s.cfg.Routes.Snapshot()
	out := routesView{
		TableID: version.TableID.String(),
		Epoch:   version.Epoch,
		Routes:  make([]routeView, 0, len(list)),
	}
	for _, route := range list {
		view := routeView{
			Prefix:  route.Prefix.String(),
			NextHop: string(route.NextHop),
			Epoch:   route.Epoch,
			Static:  route.Static,
		}
		for _, hop := range route.Path {
			view.Path = append(view.Path, hop.String())
		}
		if !route.ExpiresAt.IsZero() {
			expires := route.ExpiresAt.UTC()
			view.ExpiresAt = &expires
		}
		out.Routes = append(out.Routes, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Balances == nil {
		writeError(w, http.StatusServiceUnavailable, "balances unavailable")
		return
	}
	id, err := accounts.ParseAccountID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Accounts != nil {
		if _, err := s.cfg.Accounts.Get(r.Context(), id); err != nil {
			if errors.Is(err, accounts.ErrAccountNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	bal, err := s.cfg.Balances.Balance(r.Context(), id)
	if err != nil {
		s.logger.Error("balance lookup failed", slog.String("account", string(id)), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AccountID string `json:"accountId"`
		balance.Balance
		NetBalance int64 `json:"netBalance"`
	}{AccountID: string(id), Balance: bal, NetBalance: bal.NetBalance()})
}

func (s *Server) links(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Links == nil {
		writeJSON(w, http.StatusOK, []link.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Links.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
