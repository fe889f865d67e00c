package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/history"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/perm"
)

// 管理面：授权、版本、冲突审计。全部挂在 Admin 级中间件之后。
type AdminHandlers struct {
	reg *collab.Registry
}

func NewAdminHandlers(reg *collab.Registry) *AdminHandlers {
	return &AdminHandlers{reg: reg}
}

type grantRequest struct {
	DocID  string `json:"docId" binding:"required"`
	Client uint64 `json:"client" binding:"required"`
	Target string `json:"target"`
	Level  string `json:"level" binding:"required"`
}

func (h *AdminHandlers) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, ok := perm.ParseLevel(req.Level)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
		return
	}
	target := perm.Target(req.Target)
	if target == "" {
		target = perm.TargetDocument
	}
	engine, err := h.reg.GetOrCreate(req.DocID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	engine.Permissions().Grant(op.ClientID(req.Client), target, level)
	c.JSON(http.StatusOK, gin.H{"docId": req.DocID, "client": req.Client, "level": level.String()})
}

func (h *AdminHandlers) Revoke(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := perm.Target(req.Target)
	if target == "" {
		target = perm.TargetDocument
	}
	engine, err := h.reg.GetOrCreate(req.DocID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	engine.Permissions().Revoke(op.ClientID(req.Client), target)
	c.JSON(http.StatusOK, gin.H{"docId": req.DocID, "client": req.Client})
}

type tokenRequest struct {
	Client     uint64 `json:"client" binding:"required"`
	Target     string `json:"target"`
	Level      string `json:"level" binding:"required"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// IssueToken 给客户端签发授权令牌（连 ws 的时候带上）。
func (h *AdminHandlers) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, ok := perm.ParseLevel(req.Level)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
		return
	}
	target := perm.Target(req.Target)
	if target == "" {
		target = perm.TargetDocument
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, expiresAt, err := perm.SignGrantToken(op.ClientID(req.Client), target, level, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt.Format(time.RFC3339)})
}

func (h *AdminHandlers) Checkpoint(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	engine, err := h.reg.GetOrCreate(docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	id, err := engine.Checkpoint(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versionId": string(id)})
}

func (h *AdminHandlers) RestoreVersion(c *gin.Context) {
	docID := c.Query("docId")
	versionID := c.Param("id")
	if docID == "" || versionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId or version id"})
		return
	}
	engine, err := h.reg.GetOrCreate(docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	view, err := engine.RestoreVersion(c.Request.Context(), history.VersionID(versionID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"versionId": string(view.Version),
		"frontier":  view.Frontier,
		"state":     string(view.State),
	})
}

// Conflicts 返回 delete/move 冲突的审计记录。
func (h *AdminHandlers) Conflicts(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	engine, err := h.reg.GetOrCreate(docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": engine.Conflicts()})
}
