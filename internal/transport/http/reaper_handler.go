package httptransport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/service"
)

// ReaperRunner 执行一次过期附件清理
type ReaperRunner interface {
	Run(ctx context.Context) (*service.ReapReport, error)
}

// ReaperHandler 按需触发清理任务（内部接口）
type ReaperHandler struct {
	reaper ReaperRunner
}

// NewReaperHandler 创建清理任务处理器
func NewReaperHandler(reaper ReaperRunner) *ReaperHandler {
	return &ReaperHandler{reaper: reaper}
}

// Run 同步执行一次清理并返回报告。已有任务在运行时返回 409
func (h *ReaperHandler) Run(c *gin.Context) {
	report, err := h.reaper.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrReaperBusy) || report == nil {
			RespondError(c, err)
			return
		}
		// 存储过程失败时报告依然有效，一并返回
		status, msg := StatusFor(err)
		ErrorWithData(c, status, msg, report)
		return
	}
	c.JSON(http.StatusOK, Response{Code: CodeSuccess, Msg: "清理完成", Data: report})
}
