package status

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Serve starts the status endpoint on addr and returns its actual address
// and a shutdown function.
func Serve(addr string, provider Provider, version string, logger *log.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mcpServer := NewMCPServer(provider, version)
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	NewHandler(provider, version).RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Printf("Status: HTTP server error: %v", err)
		}
	}()
	logger.Printf("Status: listening on http://%s (/health, /api/status, /mcp)", ln.Addr())

	return ln.Addr().String(), func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Status: HTTP shutdown error: %v", err)
		}
	}, nil
}
