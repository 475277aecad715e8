package main

import (
	"context"
	"syscall"

	"grout/internal/control"
	"grout/internal/logger"
)

// bridgeHandler is the cmd/groutd-side control.Handler. Per §6, the
// per-module request/response payload schemas (which Type values exist,
// how their payloads decode into control.Bridge calls) are the external
// control plane's concern, not this core's — so this handler only proves
// out the Listener/Bridge wiring end to end: it logs the decoded request
// and reports ENOSYS rather than guessing at a wire schema nothing in
// spec.md pins down.
type bridgeHandler struct {
	bridge *control.Bridge
	lgr    logger.Logger
}

func (h *bridgeHandler) Handle(ctx context.Context, hdr control.RequestHeader, payload []byte) ([]byte, uint32) {
	h.lgr.Debug("control request",
		logger.F("id", hdr.ID),
		logger.F("module", control.ModuleID(hdr.Type)),
		logger.F("request", control.RequestID(hdr.Type)),
		logger.F("payloadLen", len(payload)),
	)
	return nil, uint32(syscall.ENOSYS)
}
