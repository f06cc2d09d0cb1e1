package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

type joinPayload struct {
	PrimaryID     string `json:"primaryId"`
	SecondaryID   string `json:"secondaryId"`
	CorrelationID string `json:"correlationId"`
}

type sendPayload struct {
	RoomRef       string `json:"roomRef"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId"`
}

type roomPayload struct {
	RoomRef  string `json:"roomRef"`
	IsTyping bool   `json:"isTyping"`
}

// codeRateLimited marks a room:error the client may retry later.
const codeRateLimited = "rate_limited"

func (ctl *SignalWSController) roomError(c *WsSignalConn, correlationID, msg string) {
	ctl.sendEvent(c, "room:error", map[string]string{"message": msg, "correlationId": correlationID})
}

func (ctl *SignalWSController) handleJoin(c *WsSignalConn, data []byte) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.roomError(c, "", "bad_payload")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.user.ID) {
		log.Info().Str("module", "signal").Str("sid", string(c.sid)).Msg("join rate limited")
		ctl.sendEvent(c, "room:error", map[string]string{
			"message":       "rate limited",
			"code":          codeRateLimited,
			"correlationId": p.CorrelationID,
		})
		return
	}
	ref, err := ctl.Orch.Join(c.sid, p.PrimaryID, p.SecondaryID)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("sid", string(c.sid)).Msg("join rejected")
		ctl.roomError(c, p.CorrelationID, err.Error())
		return
	}
	ctl.sendEvent(c, "room:joined", map[string]string{"roomRef": ref, "correlationId": p.CorrelationID})
}

func (ctl *SignalWSController) handleSend(c *WsSignalConn, data []byte) {
	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad send payload")
		ctl.roomError(c, "", "bad_payload")
		return
	}
	msg, _, err := ctl.Orch.Post(c.sid, c.user, p.RoomRef, p.Body, p.CorrelationID)
	if err != nil {
		ctl.roomError(c, p.CorrelationID, err.Error())
		return
	}
	ctl.sendEvent(c, "message:ack", map[string]string{"correlationId": p.CorrelationID, "serverId": msg.ID})
}

func (ctl *SignalWSController) handleTyping(c *WsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Orch.Typing(c.sid, p.RoomRef, p.IsTyping)
}

func (ctl *SignalWSController) handleMarkRead(c *WsSignalConn, data []byte) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.Orch.MarkRead(c.sid, p.RoomRef)
}
