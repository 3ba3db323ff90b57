package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

// connMeta is what the transport layer knows about a connection before
// the handshake: remote address and any identity headers a trusted
// tunnel injected.
type connMeta struct {
	remoteAddr     string
	tunnelIdentity string // value of the configured identity header, "" if absent
}

func metaFromRequest(r *http.Request, cfg *config.GatewayConfig) connMeta {
	m := connMeta{remoteAddr: r.RemoteAddr}
	if cfg.TunnelIdentityHeader != "" {
		m.tunnelIdentity = r.Header.Get(cfg.TunnelIdentityHeader)
	}
	return m
}

// authorize validates handshake credentials against the gateway config.
// Acceptance order: trusted tunnel identity, shared token, password,
// loopback peer. A nil return means the connection is authenticated.
func authorize(cfg *config.GatewayConfig, meta connMeta, params *protocol.ConnectParams) *protocol.Error {
	// A fronting tunnel strips client-set copies of the identity header, so
	// its presence alone authenticates when tunnel identity is enabled.
	if cfg.TunnelIdentity && meta.tunnelIdentity != "" {
		return nil
	}

	var token, password string
	if params.Auth != nil {
		token = params.Auth.Token
		password = params.Auth.Password
	}

	if cfg.Token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
			return nil
		}
		if token != "" {
			slog.Warn("security.token_rejected", "remote", meta.remoteAddr)
			return &protocol.Error{Code: protocol.ErrUnauthorized, Message: "invalid token"}
		}
	}
	if cfg.Password != "" {
		if subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1 {
			return nil
		}
		if password != "" {
			slog.Warn("security.password_rejected", "remote", meta.remoteAddr)
			return &protocol.Error{Code: protocol.ErrUnauthorized, Message: "invalid password"}
		}
	}

	// No credential presented (or none configured): only the local host
	// gets in.
	if isLoopback(meta.remoteAddr) {
		return nil
	}

	slog.Warn("security.unauthenticated_rejected", "remote", meta.remoteAddr)
	return &protocol.Error{Code: protocol.ErrUnauthorized, Message: "authentication required"}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// grantedScopes computes the connection's effective scopes. Requested
// scopes are honored as asked; an empty request falls back to the role
// default. Channel plugins never get more than write, nodes never get
// control-plane scopes at all.
func grantedScopes(role string, requested []string) []string {
	switch role {
	case protocol.RoleChannelPlugin:
		return []string{protocol.ScopeWrite}
	case protocol.RoleNode:
		return nil
	}
	if len(requested) == 0 {
		return protocol.DefaultScopes(role)
	}
	return requested
}
