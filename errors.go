package subotai

import (
	"errors"

	"github.com/TheWaWaR/subotai/rpc"
	"github.com/TheWaWaR/subotai/store"
)

// Error kinds surfaced to callers, per spec §7.
var (
	ErrTimeout             = rpc.ErrTimeout
	ErrTransport           = rpc.ErrTransport
	ErrFrameTooLarge       = rpc.ErrFrameTooLarge
	ErrFrameMalformed      = rpc.ErrFrameMalformed
	ErrBusy                = rpc.ErrBusy
	ErrStorageFull         = store.ErrStorageFull
	ErrBootstrapIncomplete = errors.New("subotai: alive threshold not reached before bootstrap deadline")
	ErrNotFound            = errors.New("subotai: retrieve converged with no entries")
	ErrShutdown            = rpc.ErrShutdown
)
