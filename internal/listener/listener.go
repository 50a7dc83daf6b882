// Package listener wires the daemon's two HTTP surfaces to sockets: the main Fiber app (WebSocket upgrade plus the
// self-test endpoints) and, optionally, a separate plain net/http server for /metrics so it can be bound to its own
// port or Unix socket independently of the main listener.
package listener

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/collabhub/pushgate/internal/config"
)

// Main starts app on the configured address and blocks until it stops or errors. It chooses a TCP port or a Unix
// socket depending on which the configuration names, and enables TLS when a certificate pair is configured.
func Main(app *fiber.App, cfg *config.Config) error {
	listenCfg := fiber.ListenConfig{
		DisableStartupMessage: true,
	}
	if cfg.TLSCert != "" {
		listenCfg.CertFile = cfg.TLSCert
		listenCfg.CertKeyFile = cfg.TLSKey
	}

	if cfg.SocketPath != "" {
		listenCfg.ListenerNetwork = "unix"
		return app.Listen(cfg.SocketPath, listenCfg)
	}
	return app.Listen(":"+strconv.Itoa(cfg.Port), listenCfg)
}
