package server

import (
	"context"
	"fmt"

	"github.com/levelpin/levelpin/internal/config"
	"github.com/levelpin/levelpin/internal/eventlog"
)

// handleArchiveUpdate processes an archive/update command.
func (h *CommandHandler) handleArchiveUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(h, cmd, send, func(req *ArchiveUpdateRequest) error {
		return h.cfg.SetArchiveConfig(config.ArchiveConfig{
			Endpoint:        req.Endpoint,
			Bucket:          req.Bucket,
			AccessKeyID:     req.AccessKeyID,
			SecretAccessKey: req.SecretAccessKey,
			Prefix:          req.Prefix,
		})
	})
}

// handleArchiveTestS3 processes an archive/test-s3 command. Credentials come
// from the request so a connection can be verified before saving.
func (h *CommandHandler) handleArchiveTestS3(cmd WSCommand, send chan<- any) {
	var req S3TestRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		cfg := &eventlog.S3Config{
			Endpoint:        req.Endpoint,
			Bucket:          req.Bucket,
			AccessKeyID:     req.AccessKey,
			SecretAccessKey: req.SecretKey,
		}
		if err := eventlog.TestS3Connection(cfg); err != nil {
			return nil, err
		}
		return map[string]string{"message": "S3 connection successful"}, nil
	})
}

// handleArchiveUploadNow processes an archive/upload-now command.
func (h *CommandHandler) handleArchiveUploadNow(cmd WSCommand, send chan<- any) {
	if h.archiver == nil {
		SendError(send, cmd.Type, fmt.Errorf("archiver not running"))
		return
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		if err := h.archiver.RotateAndUpload(context.Background()); err != nil {
			return nil, err
		}
		return map[string]string{"message": "event log rotated and uploaded"}, nil
	})
}

// handleEventsView processes an events/view command.
func (h *CommandHandler) handleEventsView(cmd WSCommand, send chan<- any) {
	var req EventsViewRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}

	if req.Limit == 0 {
		req.Limit = MaxLogEntries
	}

	filter := eventlog.FilterAll
	switch req.Filter {
	case "capture":
		filter = eventlog.FilterCapture
	case "freeze":
		filter = eventlog.FilterFreeze
	case "silence":
		filter = eventlog.FilterSilence
	}

	HandleActionAsync(cmd, send, func() (any, error) {
		events, hasMore, err := eventlog.ReadLast(h.events.Path(), req.Limit, req.Offset, filter)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"events":   events,
			"has_more": hasMore,
			"offset":   req.Offset,
		}, nil
	})
}
