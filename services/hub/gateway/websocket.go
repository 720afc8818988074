package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"masond/services/hub/auth"
	"masond/services/hub/fault"
)

// handshakeStepTimeout bounds each message of the authenticate exchange. A
// handshake that stalls on the challenge step tears down with no side
// effects.
const handshakeStepTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type credentialsFrame struct {
	Credentials auth.Credentials `json:"credentials"`
}

type challengeFrame struct {
	Challenge string `json:"challenge"`
}

type signatureFrame struct {
	Signature string `json:"signature"`
}

type tokensFrame struct {
	Tokens auth.TokenResponse `json:"tokens"`
}

type errorFrame struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// handleAuthenticate runs the challenge-response handshake over a
// websocket: credentials in, challenge out, signature in, tokens out.
func (g *Gateway) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	hs := g.auth.NewHandshake()

	var creds credentialsFrame
	if err := readFrame(conn, &creds); err != nil {
		g.closeWithFault(conn, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}

	nonce, err := hs.Begin(ctx, creds.Credentials)
	if err != nil {
		g.closeWithFault(conn, err)
		return
	}
	if err := writeFrame(conn, challengeFrame{Challenge: nonce}); err != nil {
		return
	}

	var sig signatureFrame
	if err := readFrame(conn, &sig); err != nil {
		g.closeWithFault(conn, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}

	pair, err := hs.Complete(ctx, nonce, sig.Signature)
	if err != nil {
		g.closeWithFault(conn, err)
		return
	}

	if err := writeFrame(conn, tokensFrame{Tokens: pair}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func readFrame(conn *websocket.Conn, dest any) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	return conn.ReadJSON(dest)
}

func writeFrame(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (g *Gateway) closeWithFault(conn *websocket.Conn, err error) {
	kind := fault.Kind(err)
	detail := err.Error()
	if kind == "internal" {
		g.log.Error().Err(err).Msg("authenticate handshake internal error")
		detail = "internal error"
	}
	_ = writeFrame(conn, errorFrame{Kind: kind, Error: detail})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, kind), time.Now().Add(time.Second))
}
