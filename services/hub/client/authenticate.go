package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"masond/pkg/keys"
	"masond/services/hub/auth"
)

// Authenticate runs the challenge-response handshake against a hub and
// returns the issued token pair.
func Authenticate(ctx context.Context, hostAddress, username string, kp keys.KeyPair) (auth.TokenResponse, error) {
	wsURL, err := websocketURL(hostAddress)
	if err != nil {
		return auth.TokenResponse{}, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return auth.TokenResponse{}, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{
		"credentials": auth.Credentials{
			Username:  username,
			PublicKey: kp.PublicKey().Encode(),
		},
	})
	if err != nil {
		return auth.TokenResponse{}, fmt.Errorf("send credentials: %w", err)
	}

	var challenge struct {
		Challenge string `json:"challenge"`
		Kind      string `json:"kind"`
		Error     string `json:"error"`
	}
	if err := conn.ReadJSON(&challenge); err != nil {
		return auth.TokenResponse{}, fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Error != "" {
		return auth.TokenResponse{}, fmt.Errorf("authenticate: %s: %s", challenge.Kind, challenge.Error)
	}

	signature, err := kp.Sign([]byte(challenge.Challenge))
	if err != nil {
		return auth.TokenResponse{}, err
	}
	if err := conn.WriteJSON(map[string]string{"signature": signature}); err != nil {
		return auth.TokenResponse{}, fmt.Errorf("send signature: %w", err)
	}

	var result struct {
		Tokens auth.TokenResponse `json:"tokens"`
		Kind   string             `json:"kind"`
		Error  string             `json:"error"`
	}
	if err := conn.ReadJSON(&result); err != nil {
		return auth.TokenResponse{}, fmt.Errorf("read tokens: %w", err)
	}
	if result.Error != "" {
		return auth.TokenResponse{}, fmt.Errorf("authenticate: %s: %s", result.Kind, result.Error)
	}
	return result.Tokens, nil
}

func websocketURL(hostAddress string) (string, error) {
	base, err := url.Parse(hostAddress)
	if err != nil {
		return "", fmt.Errorf("parse host address %q: %w", hostAddress, err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("host address %q has no usable scheme", hostAddress)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/services/authenticate"
	return base.String(), nil
}
