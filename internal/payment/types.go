package payment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Role identifies one paid stage of the production pipeline.
type Role string

const (
	RoleScript Role = "script"
	RoleImage  Role = "image"
	RoleVideo  Role = "video"
)

// Roles returns the stage roles in settlement order. Channel IDs returned by
// the factory's openPaymentChannels follow this order, so downstream code may
// index by position.
func Roles() []Role {
	return []Role{RoleScript, RoleImage, RoleVideo}
}

// ValidRole reports whether s names a known stage role.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleScript, RoleImage, RoleVideo:
		return true
	}
	return false
}

// Record status values.
const (
	StatusSigned  = "signed"
	StatusClaimed = "claimed"
)

// Record is the off-chain payment authorization stored per (request, role).
// The signature alone authorizes closing the channel for Amount; the record
// carries everything a worker needs to claim later, in a separate process.
type Record struct {
	ChannelID common.Hash    `json:"channel_id"`
	RequestID uint64         `json:"request_id"`
	Agent     common.Address `json:"agent"`
	Amount    *big.Int       `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Signature hexutil.Bytes  `json:"signature"`
	Status    string         `json:"status"`
	SignedAt  int64          `json:"signed_at"`
}
