package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

// AuthContext captures the request identity. Owner is the registry partition
// key for the caller; with the basic provider it is the API key itself.
type AuthContext struct {
	APIKey string
	Owner  string
}

type authContextKey struct{}

// AuthProvider authenticates requests and yields the owner identity.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	if raw := r.Context().Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

// BasicAuthProvider validates requests against a static key set loaded from
// the keys file and environment.
type BasicAuthProvider struct {
	keys map[string]struct{}
}

func newBasicAuthProvider(keysPath string) (*BasicAuthProvider, error) {
	keys, err := loadAPIKeys(keysPath)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("no api keys configured; set API_KEYS_PATH or SKYLENS_API_KEYS")
	}
	return &BasicAuthProvider{keys: keys}, nil
}

func (b *BasicAuthProvider) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := apiKeyFromRequest(r)
	if key == "" {
		return nil, errors.New("api key required")
	}
	if _, ok := b.keys[key]; !ok {
		return nil, errors.New("invalid api key")
	}
	return &AuthContext{APIKey: key, Owner: key}, nil
}

// apiKeyFromRequest checks Authorization: Bearer, then X-API-Key, then the
// websocket subprotocol used by browser clients that cannot set headers.
func apiKeyFromRequest(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return normalizeAPIKey(parts[1])
		}
	}
	if key := normalizeAPIKey(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if websocket.IsWebSocketUpgrade(r) {
		return normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	return ""
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// loadAPIKeys merges the keys file (an object of client name to key) with the
// SKYLENS_API_KEYS env list.
func loadAPIKeys(keysPath string) (map[string]struct{}, error) {
	keys := map[string]struct{}{}

	if keysPath = strings.TrimSpace(keysPath); keysPath != "" {
		data, err := os.ReadFile(keysPath)
		if err != nil {
			return nil, fmt.Errorf("read api keys file: %w", err)
		}
		named := map[string]string{}
		if err := json.Unmarshal(data, &named); err != nil {
			return nil, fmt.Errorf("parse api keys file %s: %w", keysPath, err)
		}
		for _, key := range named {
			if key = normalizeAPIKey(key); key != "" {
				keys[key] = struct{}{}
			}
		}
	}

	for _, part := range strings.Split(os.Getenv("SKYLENS_API_KEYS"), ",") {
		if key := normalizeAPIKey(part); key != "" {
			keys[key] = struct{}{}
		}
	}

	return keys, nil
}
