package collab

import (
	"context"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func testJwt(t *testing.T, claims gojwt.MapClaims) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	jwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	return jwt
}

func TestConnectPresenceOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := NewBoardKey("app1", "board1")
	identity := &PresenceIdentity{}

	// viewing a historical version never opens a session
	version := NewVersion(0, 0, 1)
	session := ConnectPresence(ctx, "ws://127.0.0.1:1", key, &version, false, identity, DefaultPresenceSettings())
	assert.Equal(t, session, nil)

	// an offline workspace never opens a session
	session = ConnectPresence(ctx, "ws://127.0.0.1:1", key, nil, true, identity, DefaultPresenceSettings())
	assert.Equal(t, session, nil)

	assert.Equal(t, StatusOffline.IsTerminal(), true)
	assert.Equal(t, StatusDisconnected.IsTerminal(), false)
}

func TestPresenceStateApply(t *testing.T) {
	layerPath := "l1"
	state := &PresenceState{
		Cursor:    &Cursor{X: 1, Y: 2},
		LayerPath: &layerPath,
	}

	// only fields present in the update change
	update := &PresenceState{
		Cursor: &Cursor{X: 3, Y: 4},
	}
	state.Apply(update)
	assert.Equal(t, state.Cursor.X, float64(3))
	assert.Equal(t, *state.LayerPath, "l1")

	selection := &Selection{Nodes: []string{"n1"}}
	state.Apply(&PresenceState{Selection: selection})
	assert.Equal(t, state.Selection.Nodes, []string{"n1"})
	assert.Equal(t, state.Cursor.X, float64(3))
}

func TestPeerFromState(t *testing.T) {
	// missing layer path defaults to the root
	peer := peerFromState(7, &PresenceState{})
	assert.Equal(t, peer.ClientId, uint64(7))
	assert.Equal(t, peer.LayerPath, RootLayerPath)

	boardUpdate := int64(100)
	peer.apply(&PresenceState{BoardUpdate: &boardUpdate})
	assert.Equal(t, peer.BoardUpdate, int64(100))

	// nil state is tolerated
	peer.apply(nil)
	assert.Equal(t, peer.BoardUpdate, int64(100))

	clone := peer.clone()
	clone.BoardUpdate = 200
	assert.Equal(t, peer.BoardUpdate, int64(100))
}

func TestParseByJwtUnverified(t *testing.T) {
	jwt := testJwt(t, gojwt.MapClaims{
		"user_id":   "u1",
		"user_name": "alice",
	})
	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "u1")
	assert.Equal(t, byJwt.UserName, "alice")

	// standard claims as fallback
	jwt = testJwt(t, gojwt.MapClaims{
		"sub":  "u2",
		"name": "bob",
	})
	byJwt, err = ParseByJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "u2")
	assert.Equal(t, byJwt.UserName, "bob")

	_, err = ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestPresenceIdentityResolveUser(t *testing.T) {
	identity := &PresenceIdentity{
		ByJwt: testJwt(t, gojwt.MapClaims{
			"user_id":   "u1",
			"user_name": "alice",
		}),
	}
	user := identity.resolveUser()
	assert.Equal(t, user.Id, "u1")
	assert.Equal(t, user.Name, "alice")

	// explicit fields win over claims
	identity.User = PresenceUser{
		Name: "display alice",
	}
	user = identity.resolveUser()
	assert.Equal(t, user.Id, "u1")
	assert.Equal(t, user.Name, "display alice")
}

func TestBeaconMonotonic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := NewBoardKey("app1", "board1")
	// unreachable relay. The session keeps retrying in the background,
	// local state publishing works regardless.
	session := NewPresenceSessionWithDefaults(ctx, "ws://127.0.0.1:1", key, &PresenceIdentity{})
	defer session.Close()

	session.SetBoardUpdated()
	first := *session.fullLocalState().BoardUpdate
	session.SetBoardUpdated()
	second := *session.fullLocalState().BoardUpdate
	session.SetBoardUpdated()
	third := *session.fullLocalState().BoardUpdate

	// strictly increasing even when bumped within the same microsecond
	assert.Equal(t, first < second, true)
	assert.Equal(t, second < third, true)
}

func TestPresenceLocalState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := NewBoardKey("app1", "board1")
	session := NewPresenceSessionWithDefaults(ctx, "ws://127.0.0.1:1", key, &PresenceIdentity{})
	defer session.Close()

	session.SetCursor(10, 20)
	session.SetSelection([]string{"n1", "n2"})
	session.SetLayerPath("")

	state := session.fullLocalState()
	assert.Equal(t, state.Cursor.X, float64(10))
	assert.Equal(t, state.Selection.Nodes, []string{"n1", "n2"})
	// empty layer path normalizes to the root sentinel
	assert.Equal(t, *state.LayerPath, RootLayerPath)

	// never connected, so no peers
	assert.Equal(t, len(session.PeerStates()), 0)
}
