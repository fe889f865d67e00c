package cache

import "fmt"

// 键语义：
// - roomKey(docID):   文档在线成员（ZSet<clientID, expireAtUnix>，score=expireAt）
// - stateKey(docID):  clientID -> 最新 presence JSON（Hash）

const (
	keyRoomFmt  = "presence:room:{docID:%s}"       // ZSet<clientID, expireAtUnix>
	keyStateFmt = "presence:room:state:{docID:%s}" // Hash<clientID -> state JSON>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func stateKey(docID string) string { return fmt.Sprintf(keyStateFmt, docID) }
