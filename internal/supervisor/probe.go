package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Probe confirms the server is not just alive but ready to serve requests.
type Probe interface {
	Ready(ctx context.Context) error
}

// ComfyProbe checks a ComfyUI instance: its /system_stats endpoint must
// answer, and its /ws websocket endpoint must accept a connection.
type ComfyProbe struct {
	host       string
	port       int
	httpClient *http.Client
}

// NewComfyProbe creates a probe for the server at host:port.
func NewComfyProbe(host string, port int) *ComfyProbe {
	return &ComfyProbe{
		host:       host,
		port:       port,
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}
}

// Ready performs one readiness check.
func (p *ComfyProbe) Ready(ctx context.Context) error {
	statsURL := fmt.Sprintf("http://%s:%d/system_stats", p.host, p.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statsURL, nil)
	if err != nil {
		return fmt.Errorf("supervisor: build probe request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supervisor: probe %s: %w", statsURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supervisor: probe status %d", resp.StatusCode)
	}

	wsURL := fmt.Sprintf("ws://%s:%d/ws?clientId=%s", p.host, p.port, uuid.NewString())
	conn, wsResp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("supervisor: websocket probe: %w", err)
	}
	if wsResp != nil {
		wsResp.Body.Close()
	}
	return conn.Close()
}
