// Package diagnostics implements the small self-test HTTP surface the host application's setup wizard calls to
// verify the daemon is reachable, correctly configured behind its reverse proxy, and able to reach back into the
// host application.
package diagnostics

import (
	"strconv"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/redis/go-redis/v9"

	"github.com/collabhub/pushgate/internal/gateway"
	"github.com/collabhub/pushgate/internal/hostapi"
	"github.com/collabhub/pushgate/internal/httputil"
	"github.com/collabhub/pushgate/internal/mapping"
	"github.com/collabhub/pushgate/internal/metrics"
	"github.com/collabhub/pushgate/internal/registry"
)

// Handlers serves the /test/* self-test endpoints described in §4.7, plus the /ws upgrade endpoint.
type Handlers struct {
	state   *State
	rdb     *redis.Client
	host    *hostapi.Client
	mapper  *mapping.Cache
	version string
	log     zerolog.Logger

	reg     *registry.Registry
	auth    gateway.Authenticator
	metrics *metrics.Metrics
}

// NewHandlers builds the self-test handlers. version is the daemon's build version, written to the bus by
// PostVersion.
func NewHandlers(state *State, rdb *redis.Client, host *hostapi.Client, mapper *mapping.Cache, reg *registry.Registry, auth gateway.Authenticator, m *metrics.Metrics, version string, log zerolog.Logger) *Handlers {
	return &Handlers{
		state:   state,
		rdb:     rdb,
		host:    host,
		mapper:  mapper,
		reg:     reg,
		auth:    auth,
		metrics: m,
		version: version,
		log:     log.With().Str("component", "diagnostics").Logger(),
	}
}

// Register installs every self-test route, plus the WebSocket upgrade endpoint, under router, typically the root of
// the main Fiber app.
func (h *Handlers) Register(router fiber.Router) {
	router.Get("/test/cookie", h.Cookie)
	router.Get("/test/remote/:expected", h.Remote)
	router.Get("/test/reverse_cookie", h.ReverseCookie)
	router.Get("/test/mapping/:storage_id", h.Mapping)
	router.Post("/test/version", h.PostVersion)
	router.Get("/ws", h.Upgrade)
}

// Upgrade handles GET /ws. It upgrades the HTTP connection to a WebSocket and hands it to a fresh connection actor.
func (h *Handlers) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		wsConn := gateway.NewConn(conn.Conn, h.auth, h.reg, h.log)
		if h.metrics != nil {
			wsConn.OnDropped = h.metrics.MessagesDropped.Inc
			h.metrics.TotalConnectionCount.Inc()
			h.metrics.ActiveConnectionCount.Inc()
			defer h.metrics.ActiveConnectionCount.Dec()
		}
		wsConn.Serve(c.Context())
	})(c)
}

// Cookie returns the most recent notify_test_cookie value as plain text.
func (h *Handlers) Cookie(c fiber.Ctx) error {
	return c.SendString(strconv.FormatInt(h.state.TestCookie(), 10))
}

// Remote returns the client IP Fiber derived for this request (honouring X-Forwarded-For only from a trusted
// proxy), and records the raw header and fasthttp-observed remote address onto well-known bus keys so the setup
// verifier can cross-check what the daemon actually saw. The :expected path parameter is not interpreted
// server-side; the self-test client compares it against the response body itself.
func (h *Handlers) Remote(c fiber.Ctx) error {
	header := c.Get(fiber.HeaderXForwardedFor)
	remote := c.Context().RemoteIP().String()
	ip := c.IP()

	ctx := c.Context()
	if h.rdb != nil {
		if err := h.rdb.Set(ctx, KeyRemoteHeader, header, 0).Err(); err != nil {
			h.log.Warn().Err(err).Msg("record observed X-Forwarded-For header")
		}
		if err := h.rdb.Set(ctx, KeyRemoteAddr, remote, 0).Err(); err != nil {
			h.log.Warn().Err(err).Msg("record observed remote address")
		}
	}

	return c.SendString(ip)
}

// ReverseCookie calls back into the host application to fetch its own test cookie value, exercising the reverse
// reachability path the host application needs to poke this daemon's own endpoints.
func (h *Handlers) ReverseCookie(c fiber.Ctx) error {
	cookie, err := h.host.ReverseCookie(c.Context())
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadGateway, httputil.ErrCodeUpstream, "reverse cookie request failed")
	}
	return c.SendString(cookie)
}

// Mapping returns the number of users the mapping cache resolves for the given storage id.
func (h *Handlers) Mapping(c fiber.Ctx) error {
	storageID := c.Params("storage_id")
	users := h.mapper.UsersForStorage(c.Context(), storageID)
	return c.SendString(strconv.Itoa(len(users)))
}

// PostVersion writes the daemon's build version to a well-known bus key, so the setup verifier can confirm which
// build is actually running.
func (h *Handlers) PostVersion(c fiber.Ctx) error {
	if h.rdb != nil {
		if err := h.rdb.Set(c.Context(), KeyVersion, h.version, 0).Err(); err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.ErrCodeInternal, "record version failed")
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}
