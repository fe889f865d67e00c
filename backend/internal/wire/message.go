package wire

import (
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/presence"
)

// 副本之间交换的消息封皮。传输层（WebSocket、Kafka、进程内管道）
// 只负责搬运，语义全部在 type 字段里。

type Type string

const (
	// 握手：服务端分配 ClientID
	TypeWelcome Type = "welcome"
	TypeOp      Type = "op"
	TypeAck     Type = "ack"
	// 周期性前沿 gossip，驱动因果稳定判定与日志回收
	TypeFrontierGossip Type = "frontier_gossip"
	TypePresence       Type = "presence"
	TypeResyncRequest  Type = "resync_request"
	TypeResyncResponse Type = "resync_response"
	TypeError          Type = "error"
)

type Message struct {
	Type Type `json:"type"`
	// 发送方（welcome 里是被分配方）
	ClientID op.ClientID     `json:"clientId,omitempty"`
	DocID    string          `json:"docId,omitempty"`
	Op       *op.Operation   `json:"op,omitempty"`
	Ack      *op.OpID        `json:"ack,omitempty"`
	Frontier op.Frontier     `json:"frontier,omitempty"`
	Presence *presence.State `json:"presence,omitempty"`
	// resync_response 的补发操作
	Ops []*op.Operation `json:"ops,omitempty"`
}

func Welcome(client op.ClientID) Message {
	return Message{Type: TypeWelcome, ClientID: client}
}

func Op(from op.ClientID, o *op.Operation) Message {
	return Message{Type: TypeOp, ClientID: from, Op: o}
}

func Ack(from op.ClientID, id op.OpID) Message {
	return Message{Type: TypeAck, ClientID: from, Ack: &id}
}

func FrontierGossip(from op.ClientID, f op.Frontier) Message {
	return Message{Type: TypeFrontierGossip, ClientID: from, Frontier: f}
}

func PresenceUpdate(from op.ClientID, s presence.State) Message {
	return Message{Type: TypePresence, ClientID: from, Presence: &s}
}

func ResyncRequest(from op.ClientID, f op.Frontier) Message {
	return Message{Type: TypeResyncRequest, ClientID: from, Frontier: f}
}

func ResyncResponse(from op.ClientID, ops []*op.Operation, f op.Frontier) Message {
	return Message{Type: TypeResyncResponse, ClientID: from, Ops: ops, Frontier: f}
}
