package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mantonx/framecast/internal/logger"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

const writeWait = 10 * time.Second

// ProgressMessage is one update on the progress stream.
type ProgressMessage struct {
	JobID    string          `json:"job_id"`
	Progress float64         `json:"progress"`
	Status   types.JobStatus `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// StreamProgress handles GET /api/v1/exports/:id/progress
//
// The connection is upgraded to a websocket that receives a ProgressMessage
// for every progress step. A last message carries the terminal status,
// after which the server closes the connection.
func (h *APIHandler) StreamProgress(c *gin.Context) {
	id := c.Param("id")
	job, err := h.service.GetJob(id)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Failed to upgrade progress stream", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	if job.Status.Terminal() {
		h.finishStream(conn, job)
		return
	}

	obs := progress.NewChannelObserver()
	done, detach, err := h.service.Watch(id, obs)
	if err != nil {
		// The job may have finished between the lookup and the watch.
		if final, getErr := h.service.GetJob(id); getErr == nil && final.Status.Terminal() {
			h.finishStream(conn, final)
			return
		}
		send(conn, ProgressMessage{JobID: id, Status: job.Status, Error: err.Error()})
		return
	}
	defer detach()

	if err := send(conn, ProgressMessage{JobID: id, Progress: job.Progress, Status: job.Status}); err != nil {
		return
	}

	// Read until the client goes away; incoming messages are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case v := <-obs.C():
			if err := send(conn, ProgressMessage{JobID: id, Progress: v, Status: types.JobStatusRunning}); err != nil {
				return
			}
		case <-done:
			final, err := h.service.GetJob(id)
			if err != nil {
				send(conn, ProgressMessage{JobID: id, Error: err.Error()})
				return
			}
			h.finishStream(conn, final)
			return
		case <-gone:
			return
		}
	}
}

func (h *APIHandler) finishStream(conn *websocket.Conn, job *types.ExportJob) {
	msg := ProgressMessage{JobID: job.ID, Progress: job.Progress, Status: job.Status, Error: job.Error}
	if err := send(conn, msg); err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
}

func send(conn *websocket.Conn, msg ProgressMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
