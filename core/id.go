package core

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/qbit-ai/qbitsync/schema"
)

func newID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "block-unknown"
	}
	return hex.EncodeToString(buf[:])
}

func newSessionID() schema.SessionID {
	return schema.SessionID(uuid.NewString())
}

func newTurnID() schema.TurnID {
	return schema.TurnID(uuid.NewString())
}
