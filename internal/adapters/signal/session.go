package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog/log"
)

type authPayload struct {
	Token    string `json:"token"`
	Role     string `json:"role"`
	ClientID string `json:"clientId"`
}

func (ctl *SignalWSController) handleAuth(cancel context.CancelFunc, c *WsSignalConn, data []byte) {
	if c.Authed() {
		ctl.sendEvent(c, "auth:ok", map[string]string{"sessionId": string(c.sid)})
		return
	}
	var p authPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.rejectAuth(c, "bad_payload")
		return
	}
	if p.Token != c.token {
		ctl.rejectAuth(c, "token mismatch")
		return
	}
	if role, err := domain.ParseRole(p.Role); err != nil || role != c.user.Role {
		ctl.rejectAuth(c, "role mismatch")
		return
	}

	ctl.Orch.Registry.Bind(c.sid, c.user, c, cancel)
	c.markAuthed()
	log.Info().Str("module", "signal").Str("sid", string(c.sid)).Str("user", string(c.user.ID)).Str("client_id", p.ClientID).Msg("authenticated")
	ctl.sendEvent(c, "auth:ok", map[string]string{"sessionId": string(c.sid)})
}

func (ctl *SignalWSController) rejectAuth(c *WsSignalConn, reason string) {
	log.Warn().Str("module", "signal").Str("sid", string(c.sid)).Str("reason", reason).Msg("auth rejected")
	ctl.sendEvent(c, "auth:error", map[string]string{"reason": reason})
	c.Close()
}
