package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/TM9657/flow-like-collab/collab"
	"github.com/TM9657/flow-like-collab/relay"
)

const DefaultRelayUrl = "ws://127.0.0.1:8080"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Flow board collaboration tools.

The default relay url is %s

Usage:
    collabctl relay [--port=<port>] [--config=<config>]
    collabctl tail --app=<app> --board=<board>
        [--relay_url=<relay_url>]
        [--name=<name>]
        [--jwt=<jwt>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        Relay config yaml.
    --app=<app>              App id.
    --board=<board>          Board id.
    --relay_url=<relay_url>
    --name=<name>            Display name to publish.
    --jwt=<jwt>              Bearer token for the relay.
    -p --port=<port>         Relay listen port, overrides the config.`,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	}
}

func runRelay(opts docopt.Opts) {
	config := relay.DefaultRelayConfig()
	if configAny := opts["--config"]; configAny != nil {
		var err error
		config, err = relay.LoadRelayConfig(configAny.(string))
		if err != nil {
			panic(err)
		}
	}
	if opts["--port"] != nil {
		port, err := opts.Int("--port")
		if err != nil {
			panic(err)
		}
		config.Port = port
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	r := relay.NewRelay(ctx, config.Settings())
	defer r.Close()

	go func() {
		defer cancel()
		if err := r.ListenAndServe(fmt.Sprintf(":%d", config.Port)); err != nil {
			fmt.Printf("relay error: %s\n", err)
		}
	}()

	event.WaitForExit()
}

// joins a board room as an observer and prints presence events as they
// happen. Useful to verify a relay deployment end to end.
func tail(opts docopt.Opts) {
	appId := opts["--app"].(string)
	boardId := opts["--board"].(string)

	relayUrl := DefaultRelayUrl
	if relayUrlAny := opts["--relay_url"]; relayUrlAny != nil {
		relayUrl = relayUrlAny.(string)
	}

	var name string
	if nameAny := opts["--name"]; nameAny != nil {
		name = nameAny.(string)
	}

	var byJwt string
	if byJwtAny := opts["--jwt"]; byJwtAny != nil {
		byJwt = byJwtAny.(string)
	} else if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Bearer token (empty for none): ")
		byJwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		byJwt = string(byJwtBytes)
		fmt.Printf("\n")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	key := collab.NewBoardKey(appId, boardId)
	identity := &collab.PresenceIdentity{
		User: collab.PresenceUser{
			Name: name,
		},
		ByJwt: byJwt,
	}

	session := collab.ConnectPresence(ctx, relayUrl, key, nil, false, identity, collab.DefaultPresenceSettings())
	defer session.Close()

	removeStatus := session.Monitor().AddStatusEventCallback(func(status collab.ConnectionStatus) {
		fmt.Printf("status: %s\n", status)
	})
	defer removeStatus()

	removePeers := session.Monitor().AddPeerEventCallback(func(peers []*collab.PeerPresence) {
		fmt.Printf("peers: %d\n", len(peers))
		for _, peer := range peers {
			cursor := ""
			if peer.Cursor != nil {
				cursor = fmt.Sprintf(" @(%.0f,%.0f)", peer.Cursor.X, peer.Cursor.Y)
			}
			// peers that never published an identity still get a label
			peerName := fmt.Sprintf("client %d", peer.ClientId)
			if peer.User != nil && peer.User.Name != "" {
				peerName = peer.User.Name
			}
			fmt.Printf(
				"  %d %s layer=%s selected=%d update=%d%s\n",
				peer.ClientId,
				peerName,
				peer.LayerPath,
				len(peer.Selection),
				peer.BoardUpdate,
				cursor,
			)
		}
	})
	defer removePeers()

	event.WaitForExit()
}

func RequireVersion() string {
	if version := os.Getenv("COLLAB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
