package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sheerbytes/gomerlink/internal/status"
)

// FileType tells the device what to do with an upload.
type FileType uint16

const (
	SaveVoice           FileType = 101
	SaveImage           FileType = 102
	PlayImmediateNoSave FileType = 201
	DiscardPicture      FileType = 202
	DiscardVoiceNoPlay  FileType = 204
)

// Valid reports whether t is a type the device understands.
func (t FileType) Valid() bool {
	switch t {
	case SaveVoice, SaveImage, PlayImmediateNoSave, DiscardPicture, DiscardVoiceNoPlay:
		return true
	}
	return false
}

func (t FileType) String() string {
	switch t {
	case SaveVoice:
		return "save_voice"
	case SaveImage:
		return "save_image"
	case PlayImmediateNoSave:
		return "play_immediate_no_save"
	case DiscardPicture:
		return "discard_picture"
	case DiscardVoiceNoPlay:
		return "discard_voice_no_play"
	default:
		return fmt.Sprintf("file_type(%d)", uint16(t))
	}
}

var (
	voiceSuffixes = []string{".mp3", ".wav"}
	imageSuffixes = []string{".jpg", ".jpeg", ".bmp", ".png"}
)

// FileTypeForPath picks SaveVoice or SaveImage from the file suffix.
func FileTypeForPath(path string) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range voiceSuffixes {
		if ext == s {
			return SaveVoice, nil
		}
	}
	for _, s := range imageSuffixes {
		if ext == s {
			return SaveImage, nil
		}
	}
	return 0, fmt.Errorf("%w: %q is neither voice (mp3, wav) nor image (jpg, jpeg, bmp, png)", ErrFileTypeWrong, filepath.Base(path))
}

// ResultCode is the terminal outcome of a job, numbered as the device API.
type ResultCode int

const (
	CodeOK                 ResultCode = 1
	CodeInputFileTypeWrong ResultCode = -1
	CodeInputFilePathWrong ResultCode = -2
	CodeInputFileNull      ResultCode = -3
	CodeBusy               ResultCode = -4
	CodeTransferError      ResultCode = -5
)

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInputFileTypeWrong:
		return "input_file_type_wrong"
	case CodeInputFilePathWrong:
		return "input_file_path_wrong"
	case CodeInputFileNull:
		return "input_file_null"
	case CodeBusy:
		return "busy"
	case CodeTransferError:
		return "transfer_error"
	default:
		return fmt.Sprintf("result(%d)", int(c))
	}
}

var (
	ErrFileTypeWrong = fmt.Errorf("%w: unrecognized file type", status.ErrInvalidInput)
	ErrFilePathWrong = fmt.Errorf("%w: file path is empty or unresolvable", status.ErrInvalidInput)
	ErrFileNull      = fmt.Errorf("%w: file is empty or unreadable", status.ErrInvalidInput)
	ErrBusy          = fmt.Errorf("%w: another transfer is in progress", status.ErrBusy)
	// ErrTransfer wraps every failure after a job was accepted.
	ErrTransfer = errors.New("transfer failed")

	ErrDeviceBusy = fmt.Errorf("%w: device refused the upload as busy", status.ErrProtocol)
	ErrRejected   = fmt.Errorf("%w: device rejected the upload", status.ErrProtocol)
)

// CodeOf maps an error returned by the engine to its ResultCode.
func CodeOf(err error) ResultCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrTransfer):
		return CodeTransferError
	case errors.Is(err, ErrFileTypeWrong):
		return CodeInputFileTypeWrong
	case errors.Is(err, ErrFilePathWrong):
		return CodeInputFilePathWrong
	case errors.Is(err, ErrFileNull):
		return CodeInputFileNull
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return CodeTransferError
	}
}

// Result is the terminal event of one job.
type Result struct {
	JobID   string
	Code    ResultCode
	Bytes   int64
	Chunks  int
	Err     error
	Elapsed time.Duration
}

// OK reports whether the upload completed.
func (r Result) OK() bool { return r.Code == CodeOK }

func rejected(err error) Result {
	return Result{Code: CodeOf(err), Err: err}
}

// State is the engine position in the job state machine.
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
