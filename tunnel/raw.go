package tunnel

import (
	"context"
	"net"

	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/proxy"
)

// RawHandler forwards overlay connections to their local target without
// looking at the bytes.
type RawHandler struct {
	Dialer  *TargetDialer
	Metrics *TunnelMetrics
}

// Handle implements Handler.
func (h *RawHandler) Handle(ctx context.Context, c overlay.Conn) {
	log := Log(ctx)
	local, err := h.Dialer.Dial(ctx, c.Peer().ID, c.LocalPort())
	if err != nil {
		log.Errorf("tunnel: %v", err)
		// tell the peer rather than closing cleanly
		c.Reset()
		return
	}
	r := &proxy.Runner{Overlay: c, Local: local, Log: log}
	if err := r.Run(); err != nil {
		log.Debugf("tunnel: %v", err)
	}
	h.Metrics.AddBytes(r.TotalSent(), r.TotalReceived())
}

// RawClientHandler carries local connections to a fixed overlay port.
type RawClientHandler struct {
	Dialer  overlay.Dialer
	Port    int
	Metrics *TunnelMetrics
}

// HandleLocal implements LocalHandler.
func (h *RawClientHandler) HandleLocal(ctx context.Context, local net.Conn) {
	log := Log(ctx)
	c, err := h.Dialer.Dial(ctx, h.Port)
	if err != nil {
		log.Warnf("tunnel: overlay dial port %d: %v", h.Port, err)
		if tc, ok := local.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		local.Close()
		return
	}
	r := &proxy.Runner{Overlay: c, Local: local, Log: log}
	if err := r.Run(); err != nil {
		log.Debugf("tunnel: %v", err)
	}
	h.Metrics.AddBytes(r.TotalSent(), r.TotalReceived())
}
