package command

import (
	"context"
	"errors"

	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/models"
	"github.com/MrWong99/murmur/internal/postprocess"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/internal/transcribe"
	"github.com/MrWong99/murmur/pkg/audio"
)

// Error kinds reported to the UI.
const (
	KindUnknownCommand      = "unknown_command"
	KindInvalidArgument     = "invalid_argument"
	KindDeviceUnavailable   = "device_unavailable"
	KindModelNotReady       = "model_not_ready"
	KindDecodingFailed      = "decoding_failed"
	KindInvalidAudio        = "invalid_audio"
	KindDownloadFailed      = "download_failed"
	KindVerificationFailed  = "verification_failed"
	KindDownloadInProgress  = "download_in_progress"
	KindModelActive         = "model_active"
	KindUnknownModel        = "unknown_model"
	KindStorage             = "storage"
	KindNotFound            = "not_found"
	KindProviderUnavailable = "provider_unavailable"
	KindProviderTimeout     = "provider_timeout"
	KindInvalidState        = "invalid_state"
	KindLastPrompt          = "last_prompt"
	KindCancelled           = "cancelled"
	KindInternal            = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrUnknownCommand, KindUnknownCommand},
	{ErrInvalidArgs, KindInvalidArgument},
	{postprocess.ErrInvalidPrompt, KindInvalidArgument},
	{audio.ErrDeviceUnavailable, KindDeviceUnavailable},
	{models.ErrModelNotReady, KindModelNotReady},
	{transcribe.ErrDecodingFailed, KindDecodingFailed},
	{audio.ErrInvalidWAV, KindInvalidAudio},
	{models.ErrVerificationFailed, KindVerificationFailed},
	{models.ErrDownloadFailed, KindDownloadFailed},
	{models.ErrDownloadInProgress, KindDownloadInProgress},
	{models.ErrModelActive, KindModelActive},
	{models.ErrUnknownModel, KindUnknownModel},
	{history.ErrNotFound, KindNotFound},
	{postprocess.ErrPromptNotFound, KindNotFound},
	{history.ErrStorage, KindStorage},
	{postprocess.ErrProviderTimeout, KindProviderTimeout},
	{postprocess.ErrProviderUnavailable, KindProviderUnavailable},
	{postprocess.ErrEmptyResponse, KindProviderUnavailable},
	{session.ErrInvalidState, KindInvalidState},
	{postprocess.ErrLastPrompt, KindLastPrompt},
	{context.Canceled, KindCancelled},
}

// Kind classifies err into the error taxonomy the UI understands. The first
// matching sentinel wins; unrecognised errors are [KindInternal].
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
