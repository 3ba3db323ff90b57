package protocol

// Client roles. Scopes default by role: operators get read unless elevated,
// nodes get none on the control plane, channel plugins get write on their
// own channels only.
const (
	RoleOperator      = "operator"
	RoleNode          = "node"
	RoleChannelPlugin = "channel-plugin"
)

// Authorization scopes carried on an authenticated connection.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeAdmin     = "admin"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
)

// ConnectParams is the params payload of the handshake request.
type ConnectParams struct {
	Client      ClientInfo `json:"client"`
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Auth        *AuthBlock `json:"auth,omitempty"`
	Role        string     `json:"role,omitempty"`
	Scope       []string   `json:"scope,omitempty"`
	DeviceID    string     `json:"deviceId,omitempty"`
}

// ClientInfo describes the connecting client for presence and diagnostics.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// AuthBlock carries handshake credentials. Exactly one of Token or Password
// is expected for non-loopback bindings.
type AuthBlock struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK is the handshake response payload.
type HelloOK struct {
	Type     string        `json:"type"` // always "hello-ok"
	Protocol int           `json:"protocol"`
	Server   ServerInfo    `json:"server"`
	Features *FeatureAdver `json:"features,omitempty"`
}

// ServerInfo identifies the gateway build.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
}

// FeatureAdver advertises the methods and events this server supports, so
// newer clients can degrade gracefully against older gateways.
type FeatureAdver struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// DefaultScopes returns the scopes granted to a role when the handshake does
// not request (and auth does not grant) anything broader.
func DefaultScopes(role string) []string {
	switch role {
	case RoleOperator:
		return []string{ScopeRead}
	case RoleChannelPlugin:
		return []string{ScopeWrite}
	default: // nodes and unknown roles get nothing on the control plane
		return nil
	}
}

// HasScope reports whether the scope set includes the wanted scope. The
// admin scope implies every other scope.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want || s == ScopeAdmin {
			return true
		}
	}
	return false
}
