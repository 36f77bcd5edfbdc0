package relay

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"

	"github.com/TM9657/flow-like-collab/collab"
)

func TestLoadRelayConfig(t *testing.T) {
	configYaml := `
port: 9090
require_auth: true
ping_timeout_millis: 500
read_limit: 1024
`
	path := filepath.Join(t.TempDir(), "relay.yml")
	err := os.WriteFile(path, []byte(configYaml), 0644)
	assert.Equal(t, err, nil)

	config, err := LoadRelayConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Port, 9090)
	assert.Equal(t, config.RequireAuth, true)

	settings := config.Settings()
	assert.Equal(t, settings.RequireAuth, true)
	assert.Equal(t, settings.PingTimeout, 500*time.Millisecond)
	assert.Equal(t, settings.ReadLimit, int64(1024))
	// unset values keep the defaults
	assert.Equal(t, settings.WriteTimeout, DefaultRelaySettings().WriteTimeout)

	_, err = LoadRelayConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)
}

func TestRelayRequireAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultRelaySettings()
	settings.RequireAuth = true
	relay := NewRelay(ctx, settings)
	defer relay.Close()

	server := httptest.NewServer(relay.Router())
	defer server.Close()
	relayUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	key := collab.NewBoardKey("app1", "board1")

	// without a token the dial is refused and the room stays empty
	anonymous := collab.NewPresenceSessionWithDefaults(ctx, relayUrl, key, &collab.PresenceIdentity{})
	defer anonymous.Close()
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, relay.RoomSize(key.Room()), 0)

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":   "u1",
		"user_name": "alice",
	})
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	authed := collab.NewPresenceSessionWithDefaults(ctx, relayUrl, key, &collab.PresenceIdentity{
		ByJwt: jwt,
	})
	defer authed.Close()

	waitFor(t, 5*time.Second, "authed connect", func() bool {
		return authed.Status() == collab.StatusConnected
	})
	assert.Equal(t, relay.RoomSize(key.Room()), 1)
}
